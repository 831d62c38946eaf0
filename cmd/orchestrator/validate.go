package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/simorchestrator/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a configuration file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "grpc listen:        %s\n", cfg.Listen.GRPC)
			fmt.Fprintf(out, "http listen:        %s\n", cfg.Listen.HTTP)
			fmt.Fprintf(out, "heartbeat interval: %s\n", cfg.Nodes.HeartbeatInterval)
			fmt.Fprintf(out, "progress timeout:   %s\n", cfg.Simulations.ProgressTimeout)
			fmt.Fprintf(out, "tracing:            %t (%s)\n", cfg.Tracing.Enabled, cfg.Tracing.Exporter)
			fmt.Fprintln(out, "OK")
			return nil
		},
	}
}
