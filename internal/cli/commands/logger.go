package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/liteclaw/clawgate/internal/config"
	"github.com/liteclaw/clawgate/internal/infra"
)

// newLogger applies the --log-level and --log-format flags on top of the
// configured logging section.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig) zerolog.Logger {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Format = format
	}
	return infra.NewLogger(cfg, os.Stdout)
}
