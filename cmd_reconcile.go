package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/isdelr/vaultkeep/internal/logger"
	"github.com/spf13/cobra"
)

func newReconcileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve an interrupted restore without starting the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			log := logger.Init(cfg.Logging.Level, cfg.Logging.Format)

			coord, err := newCoordinator(cfg, nil, log)
			if err != nil {
				return err
			}
			report, runErr := coord.Run(cmd.Context())
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return runErr
		},
	}
}
