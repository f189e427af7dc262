// Package cli provides the command-line interface for clawgate.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liteclaw/clawgate/internal/cli/commands"
	"github.com/liteclaw/clawgate/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "clawgate - message gateway for chat channels and agents",
	Long: `clawgate is a WebSocket gateway that sits between chat channels and agents.
It routes inbound messages to agents, fans out events to connected clients,
and delivers outbound messages with retries.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --config is a shortcut for CLAWGATE_CONFIG_PATH.
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			return os.Setenv("CLAWGATE_CONFIG_PATH", path)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(commands.NewGatewayCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewRoutesCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewLogsCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.clawgate/clawgate.json)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or console")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
