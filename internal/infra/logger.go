package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/liteclaw/clawgate/internal/config"
)

// NewLogger builds the process logger. JSON goes to stdout by default; format
// "console" switches to a human-readable writer.
func NewLogger(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
