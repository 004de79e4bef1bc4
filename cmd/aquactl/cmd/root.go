package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"aquachain/api/internal/app"
	"aquachain/api/internal/config"
	"aquachain/api/internal/logging"
	"aquachain/api/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "aquactl",
	Short: "Operate an aqua revision-chain database",
	Long: `aquactl runs schema migrations and imports, inspects or purges
scoped revision chains directly against the database, without the HTTP API.

Connection settings come from the same environment variables as the API server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if params.root.databaseURL != "" {
			cfg.DatabaseURL = params.root.databaseURL
		}
		if params.root.migrationsDir != "" {
			cfg.MigrationsDir = params.root.migrationsDir
		}
		level := cfg.LogLevel
		if params.root.logLevel != "" {
			level = params.root.logLevel
		}
		var err error
		logger, err = logging.New(level)
		if err != nil {
			return fmt.Errorf("log level %q: %w", level, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	addDatabaseURLFlag(rootCmd)
	addMigrationsDirFlag(rootCmd)
	addLogLevelFlag(rootCmd)
}

func openDB(ctx context.Context) (*sql.DB, error) {
	return store.Open(ctx, cfg.DatabaseURL)
}

// withRuntime opens the database and the engine runtime for the duration of fn.
func withRuntime(ctx context.Context, fn func(rt *app.Runtime) error) error {
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	rt, err := app.OpenRuntime(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}
