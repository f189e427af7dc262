package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/clawgate/internal/config"
	"github.com/liteclaw/clawgate/internal/testutil"
)

func runConfig(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewConfigCommand()
	b := bytes.NewBufferString("")
	cmd.SetOut(b)
	cmd.SetErr(b)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return b.String(), err
}

func TestConfigCommand_GetSet(t *testing.T) {
	state := testutil.TempHome(t)
	configPath := filepath.Join(state, "clawgate.json")
	require.NoError(t, os.MkdirAll(state, 0o755))
	require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway": {"port": 1234}}`), 0o644))

	out, err := runConfig(t, "", "get", "gateway.port")
	require.NoError(t, err)
	assert.Contains(t, out, "1234")

	out, err = runConfig(t, "", "set", "gateway.port", "5678")
	require.NoError(t, err)
	assert.Contains(t, out, "Updated gateway.port = 5678")

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "5678")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 5678, cfg.Gateway.Port)
}

func TestConfigCommand_GetDefault(t *testing.T) {
	testutil.TempHome(t)

	out, err := runConfig(t, "", "get", "gateway.bind")
	require.NoError(t, err)
	assert.Contains(t, out, "loopback")

	out, err = runConfig(t, "", "get", "no.such.key")
	require.NoError(t, err)
	assert.Contains(t, out, "null")
}

func TestConfigCommand_Show(t *testing.T) {
	testutil.TempHome(t)
	t.Setenv("CLAWGATE_GATEWAY_AUTH_TOKEN", "supersecret")

	out, err := runConfig(t, "", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 18789")
	assert.Contains(t, out, "tickInterval: 30s")
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "su*******et")
}

func TestConfigCommand_Validate(t *testing.T) {
	state := testutil.TempHome(t)
	require.NoError(t, os.MkdirAll(state, 0o755))

	out, err := runConfig(t, "", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Config OK")

	bad := `{"gateway": {"outbound": {"capacity": 8, "overflow": "block"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(state, "clawgate.json"), []byte(bad), 0o644))
	_, err = runConfig(t, "", "validate")
	assert.Error(t, err)
}

func TestConfigCommand_Token(t *testing.T) {
	testutil.TempHome(t)

	t.Run("from stdin", func(t *testing.T) {
		out, err := runConfig(t, "piped-token\n", "token")
		require.NoError(t, err)
		assert.Contains(t, out, "Token saved")

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Equal(t, "piped-token", cfg.Gateway.Auth.Token)
		assert.Equal(t, "token", cfg.Gateway.Auth.Mode)
	})

	t.Run("generate", func(t *testing.T) {
		out, err := runConfig(t, "", "token", "--generate")
		require.NoError(t, err)
		assert.Contains(t, out, "Generated gateway token: ")

		cfg, err := config.Load()
		require.NoError(t, err)
		assert.Len(t, cfg.Gateway.Auth.Token, 32)
		assert.Contains(t, out, cfg.Gateway.Auth.Token)
	})

	t.Run("empty rejected", func(t *testing.T) {
		_, err := runConfig(t, "", "token")
		assert.Error(t, err)
	})
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, "****", maskSecret("abc"))
	assert.Equal(t, "ab**ef", maskSecret("abcdef"))
}
