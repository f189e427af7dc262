package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/clawgate/internal/config"
	"github.com/liteclaw/clawgate/internal/gateway/protocol"
)

func TestRequiredScope(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"connect", ""},
		{"ping", ScopeRead},
		{"health", ScopeRead},
		{"status", ScopeRead},
		{"status.detail", ScopeRead},
		{"routes.list", ScopeRead},
		{"delivery.stats", ScopeRead},
		{"message.send", ScopeWrite},
		{"delivery.cancel", ScopeWrite},
		{"sessions.reset", ScopeWrite},
		{"chat.send", ScopeWrite},
		{"exec.approve", ScopeApprovals},
		{"node.pair.request", ScopePairing},
		{"device.token.rotate", ScopePairing},
		{"wizard.start", ScopeAdmin},
		{"unknown", ScopeAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredScope(tt.method))
		})
	}
}

func TestAuthorize(t *testing.T) {
	assert.NoError(t, authorize("status", []string{ScopeRead}))
	assert.NoError(t, authorize("message.send", []string{ScopeAdmin}))
	assert.NoError(t, authorize("connect", nil))

	err := authorize("message.send", []string{ScopeRead})
	require.Error(t, err)
	var gwErr *protocol.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, protocol.ErrorCodeForbidden, gwErr.Code)
	assert.Equal(t, map[string]string{"requiredScope": ScopeWrite}, gwErr.Details)
}

func TestGrantScopes(t *testing.T) {
	all := AllScopes

	assert.Equal(t, all, grantScopes(all, nil, protocol.ClientModeBackend))
	assert.Equal(t, []string{ScopeRead}, grantScopes(all, []string{ScopeRead}, protocol.ClientModeCLI))
	assert.Equal(t, []string{ScopeRead, ScopeWrite}, grantScopes(all, nil, protocol.ClientModeFrontend))
	assert.Equal(t, []string{ScopeRead}, grantScopes([]string{ScopeRead}, []string{ScopeRead, ScopeWrite, ScopeAdmin}, protocol.ClientModeBackend))
	assert.Empty(t, grantScopes([]string{ScopeRead}, []string{ScopeAdmin}, protocol.ClientModeBackend))
}

func newAuth(bind, mode, token string, origins ...string) *Authenticator {
	return NewAuthenticator(config.GatewayConfig{
		Bind:           bind,
		Auth:           config.GatewayAuth{Mode: mode, Token: token},
		AllowedOrigins: origins,
	})
}

func TestAuthenticate(t *testing.T) {
	t.Run("loopback is trusted", func(t *testing.T) {
		a := newAuth("loopback", "token", "secret")
		ac, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, "loopback", ac.Method)
		assert.Contains(t, ac.Scopes, ScopeAdmin)
	})

	t.Run("valid bearer token", func(t *testing.T) {
		a := newAuth("lan", "token", "secret")
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer secret")
		ac, err := a.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "token", ac.Method)
	})

	t.Run("query and header tokens", func(t *testing.T) {
		a := newAuth("lan", "token", "secret")
		_, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/?token=secret", nil))
		assert.NoError(t, err)

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Clawgate-Token", "secret")
		_, err = a.Authenticate(r)
		assert.NoError(t, err)
	})

	t.Run("invalid token", func(t *testing.T) {
		a := newAuth("lan", "none", "secret")
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer wrong")
		_, err := a.Authenticate(r)
		var gwErr *protocol.Error
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, protocol.ErrorCodeUnauthorized, gwErr.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		a := newAuth("lan", "token", "secret")
		_, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Error(t, err)
	})

	t.Run("anonymous read in mode none", func(t *testing.T) {
		a := newAuth("lan", "none", "")
		ac, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, []string{ScopeRead}, ac.Scopes)
	})
}

func TestCheckOrigin(t *testing.T) {
	a := newAuth("lan", "token", "secret", "https://app.example.com")

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, a.CheckOrigin(r), "requests without Origin are allowed")

	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, a.CheckOrigin(r))

	r.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, a.CheckOrigin(r))

	open := newAuth("lan", "token", "secret")
	assert.True(t, open.CheckOrigin(r))
}
