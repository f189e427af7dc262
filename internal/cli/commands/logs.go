package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/liteclaw/clawgate/internal/infra"
)

// NewLogsCommand creates the logs subcommand.
func NewLogsCommand() *cobra.Command {
	var (
		lines  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View gateway logs",
		Long:  `View the logs written by a gateway started with --detached.`,
		Example: `  # Follow the log
  clawgate logs

  # Print the last 50 lines and exit
  clawgate logs -n 50 --follow=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile := gatewayLogPath()
			if _, err := os.Stat(logFile); os.IsNotExist(err) {
				return fmt.Errorf("log file not found at %s. Is the gateway running in detached mode?", logFile)
			}

			tailPath, err := exec.LookPath("tail")
			if err != nil {
				return fmt.Errorf("'tail' command not found in PATH")
			}

			tailArgs := []string{"-n", strconv.Itoa(lines)}
			if follow {
				cmd.Printf("Displaying logs from: %s\n", logFile)
				cmd.Println("Press Ctrl+C to exit.")
				cmd.Println("---")
				tailArgs = append(tailArgs, "-f")
			}
			tailArgs = append(tailArgs, logFile)

			c := exec.CommandContext(cmd.Context(), tailPath, tailArgs...)
			c.Stdout = cmd.OutOrStdout()
			c.Stderr = cmd.ErrOrStderr()
			return c.Run()
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "Keep following the log")
	return cmd
}

func gatewayLogPath() string {
	return filepath.Join(infra.Paths().LogDir, "gateway.log")
}
