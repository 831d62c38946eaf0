package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/simorchestrator/internal/config"
)

var (
	configPath  string
	envFilePath string
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Simulation orchestration and telemetry aggregation core",
		Long: `orchestrator places simulations on registered simulation nodes,
tracks their lifecycle, aggregates sensor telemetry and relays vehicle
control commands.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFilePath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&envFilePath, "env-file", ".env", "optional dotenv file with ORCH_* overrides")

	cmd.AddCommand(newServeCmd(), newValidateCmd())
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
