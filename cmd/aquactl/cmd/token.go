package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"aquachain/api/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <scope>",
	Short: "Issue a bearer token for a scope",
	Long: `Token signs a scope token with AQUA_SCOPE_TOKEN_SECRET. The API accepts it
in an "Authorization: Bearer" header when the same secret is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.ScopeTokenSecret == "" {
			return errors.New("AQUA_SCOPE_TOKEN_SECRET is not set")
		}
		token, err := auth.NewScopeToken([]byte(cfg.ScopeTokenSecret), args[0], params.token.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	addTokenTTLFlag(tokenCmd)
	rootCmd.AddCommand(tokenCmd)
}
