package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

type paramsT struct {
	root struct {
		databaseURL   string
		migrationsDir string
		logLevel      string
	}
	show struct {
		filesOnly bool
	}
	purge struct {
		yes bool
	}
	token struct {
		ttl time.Duration
	}
}

var params paramsT

func addDatabaseURLFlag(cmd *cobra.Command) string {
	const flagName = "database-url"
	cmd.PersistentFlags().StringVar(&params.root.databaseURL, flagName, "",
		"Postgres connection URL (overrides DATABASE_URL)")
	return flagName
}

func addMigrationsDirFlag(cmd *cobra.Command) string {
	const flagName = "migrations-dir"
	cmd.PersistentFlags().StringVar(&params.root.migrationsDir, flagName, "",
		"Directory holding *.up.sql and *.down.sql files (overrides MIGRATIONS_DIR)")
	return flagName
}

func addLogLevelFlag(cmd *cobra.Command) string {
	const flagName = "log-level"
	cmd.PersistentFlags().StringVar(&params.root.logLevel, flagName, "",
		"Log level: debug, info, warn or error")
	return flagName
}

func addFilesOnlyFlag(cmd *cobra.Command) string {
	const flagName = "files"
	cmd.Flags().BoolVar(&params.show.filesOnly, flagName, false,
		"Print only the file index of the reconstructed tree")
	return flagName
}

func addYesFlag(cmd *cobra.Command) string {
	const flagName = "yes"
	cmd.Flags().BoolVarP(&params.purge.yes, flagName, "y", false,
		"Confirm the purge")
	return flagName
}

func addTokenTTLFlag(cmd *cobra.Command) string {
	const flagName = "ttl"
	cmd.Flags().DurationVar(&params.token.ttl, flagName, 24*time.Hour,
		"How long the token stays valid")
	return flagName
}
