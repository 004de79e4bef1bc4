package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"aquachain/api/internal/app"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <scope>",
	Short: "Delete every revision held by a scope",
	Long: `Purge removes the revisions, pointers and file references of a scope.
Stored files that no other scope references are deleted as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !params.purge.yes {
			return errors.New("refusing to purge without --yes")
		}
		scope := args[0]
		return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
			res, err := rt.Engine.PurgeScope(cmd.Context(), scope)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s: %d revisions, %d documents, %d files released\n",
				scope, res.Revisions, res.Documents, len(res.ReleasedFiles))
			return nil
		})
	},
}

func init() {
	addYesFlag(purgeCmd)
	rootCmd.AddCommand(purgeCmd)
}
