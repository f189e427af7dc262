package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/liteclaw/clawgate/internal/config"
	"github.com/liteclaw/clawgate/internal/gateway/protocol"
)

// Scopes.
const (
	ScopeAdmin     = "admin"
	ScopeRead      = "read"
	ScopeWrite     = "write"
	ScopeApprovals = "approvals"
	ScopePairing   = "pairing"
)

// Roles.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// AllScopes lists every scope, admin first.
var AllScopes = []string{ScopeAdmin, ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing}

var readMethods = map[string]bool{
	protocol.MethodPing:              true,
	protocol.MethodHealth:            true,
	protocol.MethodStatus:            true,
	protocol.MethodSystemInfo:        true,
	protocol.MethodSystemMethods:     true,
	protocol.MethodChannelsStatus:    true,
	protocol.MethodSessionsList:      true,
	protocol.MethodSessionsGet:       true,
	protocol.MethodRoutesList:        true,
	protocol.MethodRouteResolve:      true,
	protocol.MethodDeliveryStats:     true,
	protocol.MethodDeliveryStatus:    true,
	protocol.MethodEventsSubscribe:   true,
	protocol.MethodEventsUnsubscribe: true,
}

// RequiredScope returns the scope needed to call method, or "" when none is needed.
// Unknown namespaces require admin.
func RequiredScope(method string) string {
	switch {
	case method == protocol.MethodConnect:
		return ""
	case readMethods[method], strings.HasPrefix(method, "status."):
		return ScopeRead
	case hasAnyPrefix(method, "chat.", "agent.", "sessions.", "message.", "config.", "delivery."):
		return ScopeWrite
	case strings.HasPrefix(method, "exec."):
		return ScopeApprovals
	case hasAnyPrefix(method, "node.pair", "device."):
		return ScopePairing
	default:
		return ScopeAdmin
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// hasScope reports whether scopes grant scope. Admin grants everything.
func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == ScopeAdmin || s == scope {
			return true
		}
	}
	return false
}

func authorize(method string, scopes []string) error {
	required := RequiredScope(method)
	if required == "" || hasScope(scopes, required) {
		return nil
	}
	return protocol.Errorf(protocol.ErrorCodeForbidden, "method %s requires scope %s", method, required).
		WithDetails(map[string]string{"requiredScope": required})
}

// grantScopes narrows the connection's scopes to what the client asked for and
// caps frontend clients to read and write.
func grantScopes(allowed, requested []string, mode string) []string {
	granted := allowed
	if len(requested) > 0 {
		granted = intersectScopes(allowed, requested)
	}
	if mode == protocol.ClientModeFrontend {
		granted = intersectScopes(granted, []string{ScopeRead, ScopeWrite})
	}
	return granted
}

// intersectScopes returns the entries of want that have grants.
func intersectScopes(have, want []string) []string {
	out := make([]string, 0, len(want))
	seen := make(map[string]bool, len(want))
	for _, w := range want {
		if seen[w] {
			continue
		}
		seen[w] = true
		if w == ScopeAdmin {
			for _, h := range have {
				if h == ScopeAdmin {
					out = append(out, w)
					break
				}
			}
			continue
		}
		if hasScope(have, w) {
			out = append(out, w)
		}
	}
	return out
}

// AuthContext is the identity a connection was accepted with.
type AuthContext struct {
	Method string // loopback, token, anonymous
	Role   string
	Scopes []string
}

func adminAuth(method string) *AuthContext {
	scopes := make([]string, len(AllScopes))
	copy(scopes, AllScopes)
	return &AuthContext{Method: method, Role: RoleOperator, Scopes: scopes}
}

// Authenticator decides whether an upgrade request may connect.
type Authenticator struct {
	mode           string
	token          string
	trustLoopback  bool
	allowedOrigins []string
}

// NewAuthenticator builds an authenticator from gateway config.
func NewAuthenticator(cfg config.GatewayConfig) *Authenticator {
	mode := cfg.Auth.Mode
	if mode == "" {
		mode = "token"
	}
	return &Authenticator{
		mode:           mode,
		token:          cfg.Auth.Token,
		trustLoopback:  isLoopbackBind(cfg.Bind),
		allowedOrigins: cfg.AllowedOrigins,
	}
}

func isLoopbackBind(bind string) bool {
	switch bind {
	case "", "loopback", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Authenticate resolves the caller of r. Loopback binds are trusted; otherwise a
// valid token grants admin, and with auth mode "none" a missing token grants read.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	if a.trustLoopback {
		return adminAuth("loopback"), nil
	}

	if token := extractToken(r); token != "" {
		if a.ValidToken(token) {
			return adminAuth("token"), nil
		}
		return nil, protocol.NewError(protocol.ErrorCodeUnauthorized, "invalid authentication token")
	}

	if a.mode == "none" {
		return &AuthContext{Method: "anonymous", Role: RoleOperator, Scopes: []string{ScopeRead}}, nil
	}
	return nil, protocol.NewError(protocol.ErrorCodeUnauthorized, "authentication required")
}

// ValidToken compares token against the configured one in constant time.
func (a *Authenticator) ValidToken(token string) bool {
	if a.token == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
}

// CheckOrigin validates the Origin header of a WebSocket upgrade.
func (a *Authenticator) CheckOrigin(r *http.Request) bool {
	if a.trustLoopback || len(a.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range a.allowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	// 1. Authorization: Bearer <token>
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}

	// 2. X-Clawgate-Token
	if token := r.Header.Get("X-Clawgate-Token"); token != "" {
		return token
	}

	// 3. Query parameter ?token=<token>
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}
