package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"aquachain/api/internal/app"
	"aquachain/api/internal/revision"
)

var showCmd = &cobra.Command{
	Use:   "show <scope_hash>",
	Short: "Print the reconstructed aqua tree of a scoped revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := revision.ParseScopedKey(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
			res, err := rt.Engine.Reconstruct(cmd.Context(), key)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if params.show.filesOnly {
				return enc.Encode(res.Tree.FileIndex)
			}
			return enc.Encode(res)
		})
	},
}

func init() {
	addFilesOnlyFlag(showCmd)
	rootCmd.AddCommand(showCmd)
}
