package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/liteclaw/clawgate/internal/channels"
	"github.com/liteclaw/clawgate/internal/cron"
	"github.com/liteclaw/clawgate/internal/delivery"
	"github.com/liteclaw/clawgate/internal/gateway/protocol"
	"github.com/liteclaw/clawgate/internal/routing"
	"github.com/liteclaw/clawgate/internal/session"
)

// Handler serves one RPC method. The returned payload is encoded as the
// response payload; a returned error becomes the response error.
type Handler func(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error)

// AgentRuntime is the agent side of the gateway. Reply returns the text to send
// back to the originating chat, or "" for no reply.
type AgentRuntime interface {
	Reply(ctx context.Context, agentID string, sess session.Session, msg *channels.InboundMessage) (string, error)
}

// Services are the collaborators handed to every method handler.
type Services struct {
	Agents    AgentRuntime
	Sessions  *session.Manager
	Channels  *channels.Registry
	Router    *routing.Router
	Queue     *delivery.Queue
	Bus       *EventBus
	Conns     *Manager
	Scheduler *cron.Scheduler
	Registry  *Registry
	Auth      *Authenticator
	Info      ServerDetails
}

// MethodContext carries the caller's identity and the gateway services.
type MethodContext struct {
	*Services

	Conn   *Conn
	ConnID string
	Client protocol.ClientInfo
	Role   string
	Scopes []string
}

// HasScope reports whether the caller holds scope.
func (mc *MethodContext) HasScope(scope string) bool {
	return hasScope(mc.Scopes, scope)
}

// Registry maps method names to handlers. It is safe for concurrent use;
// registration after startup is allowed.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("method name is required")
	}
	if h == nil {
		return fmt.Errorf("method %s: handler is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("method %s already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Unregister removes a handler and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; !exists {
		return false
	}
	delete(r.handlers, name)
	return true
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Dispatch calls the handler registered for name. Handler errors are returned unchanged.
func (r *Registry) Dispatch(ctx context.Context, name string, params json.RawMessage, mc *MethodContext) (interface{}, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return nil, protocol.Errorf(protocol.ErrorCodeMethodNotFound, "unknown method: %s", name)
	}
	return h(ctx, mc, params)
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
