package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aquachain/api/internal/app"
	"aquachain/api/internal/bundle"
)

var importCmd = &cobra.Command{
	Use:   "import <scope> <bundle.zip>",
	Short: "Import a zip bundle of aqua trees into a scope",
	Long: `Import reads the aqua.json manifest of the bundle and saves every listed
tree into the scope, linked trees first. Import into the system scope to seed
workflow templates.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, path := args[0], args[1]
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}

		return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
			res, err := bundle.NewImporter(rt.Engine, logger).Import(cmd.Context(), scope, f, info.Size())
			if err != nil {
				return err
			}
			logger.Info("bundle imported",
				zap.String("bundle", path),
				zap.Stringer("main", res.Main),
				zap.String("workflow", res.Workflow.Name),
				zap.Int("trees", len(res.Saved)))
			fmt.Fprintln(cmd.OutOrStdout(), res.Main.String())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
