package commands

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/clawgate/internal/testutil"
)

func TestLogsCommand_Missing(t *testing.T) {
	testutil.TempHome(t)

	cmd := NewLogsCommand()
	cmd.SetOut(bytes.NewBufferString(""))
	cmd.SetArgs([]string{"--follow=false"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log file not found")
}

func TestLogsCommand_Tail(t *testing.T) {
	if _, err := exec.LookPath("tail"); err != nil {
		t.Skip("tail not available")
	}
	testutil.TempHome(t)

	path := gatewayLogPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	cmd := NewLogsCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetArgs([]string{"--follow=false", "-n", "2"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "two\nthree\n", b.String())
}
