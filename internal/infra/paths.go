// Package infra provides infrastructure utilities: filesystem layout, logging and tracing.
package infra

import (
	"os"
	"path/filepath"

	"github.com/liteclaw/clawgate/internal/config"
)

// Layout holds the runtime paths under the state directory.
type Layout struct {
	StateDir string
	LogDir   string
	PIDFile  string
	LockFile string
}

// Paths resolves the layout from the current environment.
func Paths() Layout {
	stateDir := config.StateDir()
	return Layout{
		StateDir: stateDir,
		LogDir:   filepath.Join(stateDir, "logs"),
		PIDFile:  filepath.Join(stateDir, "gateway.pid"),
		LockFile: filepath.Join(stateDir, "gateway.lock"),
	}
}

// EnsureDirs creates all required directories.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.StateDir, l.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
