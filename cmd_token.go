package main

import (
	"fmt"

	"github.com/isdelr/vaultkeep/internal/auth"
	"github.com/spf13/cobra"
)

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateAuth(); err != nil {
				return err
			}
			authn, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, false)
			if err != nil {
				return err
			}
			token, err := authn.GenerateToken(operator)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "admin", "operator name recorded in the token")
	return cmd
}
