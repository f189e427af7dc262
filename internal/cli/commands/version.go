package commands

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
	"github.com/liteclaw/clawgate/internal/version"
)

// NewVersionCommand creates the version subcommand.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print the version number",
		Example: `  clawgate version`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("clawgate %s\n", version.Version)
			cmd.Printf("  Commit:   %s\n", version.Commit)
			cmd.Printf("  Built:    %s\n", version.BuildDate)
			cmd.Printf("  Protocol: %d\n", protocol.ProtocolVersion)
			cmd.Printf("  Runtime:  %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
