package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
	"github.com/liteclaw/clawgate/internal/infra"
)

var (
	// ErrNotAccepting is returned by Serve once the gateway is shutting down.
	ErrNotAccepting = errors.New("gateway is not accepting connections")
	// ErrTooManyConnections is returned by Serve when the connection limit is reached.
	ErrTooManyConnections = errors.New("too many connections")
)

const flushTimeout = 5 * time.Second

// Transport is a framed duplex stream. ReadFrame and WriteFrame are each used by
// a single goroutine. Close must unblock a pending ReadFrame.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
	RemoteAddr() string
}

// Handshake is what the acceptor knows about a connection before its first frame.
type Handshake struct {
	Client     protocol.ClientInfo
	Auth       *AuthContext
	RemoteAddr string
}

// SessionInfo is a snapshot of one live connection.
type SessionInfo struct {
	ID             string              `json:"id"`
	Client         protocol.ClientInfo `json:"client"`
	Role           string              `json:"role"`
	Scopes         []string            `json:"scopes"`
	Subscriptions  []string            `json:"subscriptions,omitempty"`
	Excluded       []string            `json:"excluded,omitempty"`
	RemoteAddr     string              `json:"remoteAddr,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	LastActivityAt time.Time           `json:"lastActivityAt"`
	Queued         int                 `json:"queued"`
	Dropped        uint64              `json:"dropped"`
}

// ManagerOptions configures connections.
type ManagerOptions struct {
	OutboundCapacity int
	Overflow         OverflowPolicy
	MessageRate      rate.Limit // 0 disables the per-connection limiter
	MessageBurst     int
	MaxConnections   int // 0 means unlimited
	WriteTimeout     time.Duration
}

// Manager owns the live connections.
type Manager struct {
	registry *Registry
	bus      *EventBus
	services *Services
	opts     ManagerOptions

	mu        sync.RWMutex
	conns     map[string]*Conn
	accepting bool
	serving   sync.WaitGroup

	tracker handlerTracker
	logger  zerolog.Logger
}

// NewManager creates a connection manager.
func NewManager(registry *Registry, bus *EventBus, opts ManagerOptions, logger zerolog.Logger) *Manager {
	if opts.OutboundCapacity <= 0 {
		opts.OutboundCapacity = 256
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowDropOldest
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	m := &Manager{
		registry:  registry,
		bus:       bus,
		opts:      opts,
		conns:     make(map[string]*Conn),
		accepting: true,
		logger:    logger.With().Str("component", "conns").Logger(),
	}
	m.services = &Services{Registry: registry, Bus: bus, Conns: m}
	return m
}

// Serve runs a connection until its transport closes. It blocks.
func (m *Manager) Serve(ctx context.Context, t Transport, hs Handshake) error {
	c, err := m.add(ctx, t, hs)
	if err != nil {
		_ = t.Close()
		return err
	}
	defer m.serving.Done()

	c.logger.Info().Str("client", c.client.ID).Str("mode", c.client.Mode).Str("auth", c.authMethod).Msg("Client connected")
	m.emitPresence("connected", c)

	go c.writeLoop()
	go func() {
		select {
		case <-c.ctx.Done():
			c.Close("context cancelled")
		case <-c.closed:
		}
	}()
	err = c.readLoop()
	closedByServer := c.ctx.Err() != nil

	c.Close("connection closed")
	<-c.closed
	m.remove(c)
	m.emitPresence("disconnected", c)

	c.logger.Info().Str("reason", c.reason()).Msg("Client disconnected")
	if closedByServer {
		return nil
	}
	return err
}

func (m *Manager) add(ctx context.Context, t Transport, hs Handshake) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.accepting {
		return nil, ErrNotAccepting
	}
	if m.opts.MaxConnections > 0 && len(m.conns) >= m.opts.MaxConnections {
		return nil, ErrTooManyConnections
	}

	c := newConn(ctx, m, t, hs)
	m.conns[c.id] = c
	m.serving.Add(1)
	m.bus.Subscribe(c)
	return c, nil
}

func (m *Manager) remove(c *Conn) {
	m.bus.Unsubscribe(c.id)
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
}

func (m *Manager) emitPresence(action string, c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload := protocol.PresenceEvent{Action: action, Entry: c.presence(), Count: m.Count()}
	if _, err := m.bus.Emit(ctx, protocol.EventPresence, payload, protocol.DomainPresence); err != nil && !errors.Is(err, ErrBusClosed) {
		m.logger.Warn().Err(err).Str("action", action).Msg("Failed to emit presence")
	}
}

// Get returns a live connection.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Full reports whether the connection limit is reached.
func (m *Manager) Full() bool {
	if m.opts.MaxConnections <= 0 {
		return false
	}
	return m.Count() >= m.opts.MaxConnections
}

func (m *Manager) snapshot() []*Conn {
	m.mu.RLock()
	list := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		list = append(list, c)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].createdAt.Equal(list[j].createdAt) {
			return list[i].createdAt.Before(list[j].createdAt)
		}
		return list[i].id < list[j].id
	})
	return list
}

// Sessions returns snapshots of all connections, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	conns := m.snapshot()
	out := make([]SessionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// Presence returns the presence entries of all connections, oldest first.
func (m *Manager) Presence() []protocol.PresenceEntry {
	conns := m.snapshot()
	out := make([]protocol.PresenceEntry, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.presence())
	}
	return out
}

// Disconnect force-closes a connection.
func (m *Manager) Disconnect(id, reason string) bool {
	c, ok := m.Get(id)
	if !ok {
		return false
	}
	c.Close(reason)
	return true
}

// StopAccepting rejects new connections and new requests on existing ones.
func (m *Manager) StopAccepting() {
	m.mu.Lock()
	m.accepting = false
	m.mu.Unlock()
	m.tracker.close()
}

// Accepting reports whether new connections are accepted.
func (m *Manager) Accepting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accepting
}

// Drain waits for in-flight request handlers. Call StopAccepting first.
func (m *Manager) Drain(ctx context.Context) error {
	return m.tracker.wait(ctx)
}

// CloseAll closes every connection and waits until they are gone or ctx ends.
func (m *Manager) CloseAll(ctx context.Context, reason string) error {
	for _, c := range m.snapshot() {
		c.Close(reason)
	}

	done := make(chan struct{})
	go func() {
		m.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handlerTracker counts in-flight handlers. Once closed, no new handler may start.
type handlerTracker struct {
	mu     sync.Mutex
	n      int
	closed bool
	idle   chan struct{}
}

func (t *handlerTracker) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.n++
	return true
}

func (t *handlerTracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

func (t *handlerTracker) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *handlerTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn is one live client connection.
type Conn struct {
	id         string
	manager    *Manager
	transport  Transport
	out        *outboundQueue
	limiter    *rate.Limiter
	remoteAddr string
	authMethod string
	createdAt  time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan struct{}

	mu           sync.RWMutex
	client       protocol.ClientInfo
	role         string
	allowed      []string
	scopes       []string
	include      map[string]bool // nil means every event
	exclude      map[string]bool
	lastActivity time.Time
	closeReason  string

	logger zerolog.Logger
}

func newConn(ctx context.Context, m *Manager, t Transport, hs Handshake) *Conn {
	id := uuid.NewString()
	auth := hs.Auth
	if auth == nil {
		auth = &AuthContext{Method: "anonymous", Role: RoleOperator, Scopes: []string{ScopeRead}}
	}
	client := hs.Client
	if client.ID == "" {
		client.ID = id
	}
	if client.Mode == "" {
		client.Mode = protocol.ClientModeBackend
	}
	remote := hs.RemoteAddr
	if remote == "" {
		remote = t.RemoteAddr()
	}

	cctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	c := &Conn{
		id:           id,
		manager:      m,
		transport:    t,
		out:          newOutboundQueue(m.opts.OutboundCapacity, m.opts.Overflow),
		remoteAddr:   remote,
		authMethod:   auth.Method,
		createdAt:    now,
		ctx:          cctx,
		cancel:       cancel,
		closed:       make(chan struct{}),
		writerDone:   make(chan struct{}),
		client:       client,
		role:         auth.Role,
		allowed:      append([]string(nil), auth.Scopes...),
		exclude:      make(map[string]bool),
		lastActivity: now,
		logger:       m.logger.With().Str("conn", id).Logger(),
	}
	c.scopes = grantScopes(c.allowed, nil, client.Mode)

	if m.opts.MessageRate > 0 {
		burst := m.opts.MessageBurst
		if burst <= 0 {
			burst = int(math.Ceil(float64(m.opts.MessageRate)))
		}
		c.limiter = rate.NewLimiter(m.opts.MessageRate, burst)
	}
	return c
}

// ID returns the session id.
func (c *Conn) ID() string { return c.id }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Scopes returns the scopes currently granted.
func (c *Conn) Scopes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.scopes...)
}

// Client returns the client identity.
func (c *Conn) Client() protocol.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Info returns a snapshot of the session.
func (c *Conn) Info() SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return SessionInfo{
		ID:             c.id,
		Client:         c.client,
		Role:           c.role,
		Scopes:         append([]string(nil), c.scopes...),
		Subscriptions:  sortedKeys(c.include),
		Excluded:       sortedKeys(c.exclude),
		RemoteAddr:     c.remoteAddr,
		CreatedAt:      c.createdAt,
		LastActivityAt: c.lastActivity,
		Queued:         c.out.len(),
		Dropped:        c.out.droppedCount(),
	}
}

func (c *Conn) presence() protocol.PresenceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return protocol.PresenceEntry{
		ConnID:      c.id,
		ClientID:    c.client.ID,
		DisplayName: c.client.DisplayName,
		Mode:        c.client.Mode,
		Role:        c.role,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.createdAt.UnixMilli(),
	}
}

// identify applies a connect request and returns the granted scopes. When
// elevate is set the connection presented a valid token and may hold any scope.
func (c *Conn) identify(client protocol.ClientInfo, role string, requested, events []string, elevate bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elevate {
		c.allowed = append([]string(nil), AllScopes...)
	}
	if client.ID == "" {
		client.ID = c.client.ID
	}
	if client.Mode == "" {
		client.Mode = c.client.Mode
	}
	c.client = client
	if role != "" {
		c.role = role
	}
	c.scopes = grantScopes(c.allowed, requested, client.Mode)
	if len(events) > 0 {
		c.include = make(map[string]bool, len(events))
		for _, e := range events {
			c.include[e] = true
		}
	}
	return append([]string(nil), c.scopes...)
}

// Subscribe adds events to the connection's filter. Patterns may end in ".*";
// "*" restores delivery of every event.
func (c *Conn) Subscribe(events ...string) SessionInfo {
	c.mu.Lock()
	for _, e := range events {
		delete(c.exclude, e)
		if e == "*" {
			c.include = nil
			continue
		}
		if c.include != nil {
			c.include[e] = true
		}
	}
	c.mu.Unlock()
	return c.Info()
}

// Unsubscribe stops delivery of events.
func (c *Conn) Unsubscribe(events ...string) SessionInfo {
	c.mu.Lock()
	for _, e := range events {
		if c.include != nil {
			delete(c.include, e)
		}
		c.exclude[e] = true
	}
	c.mu.Unlock()
	return c.Info()
}

var backendOnlyEvents = map[string]bool{
	protocol.EventMessageInbound:  true,
	protocol.EventDeliveryFailed:  true,
	protocol.EventDeliveryUpdated: true,
}

// Wants implements Subscriber.
func (c *Conn) Wants(event string) bool {
	if event == protocol.EventShutdown {
		return true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if backendOnlyEvents[event] && c.client.IsFrontend() {
		return false
	}
	if matchAny(c.exclude, event) {
		return false
	}
	return c.include == nil || matchAny(c.include, event)
}

func matchAny(patterns map[string]bool, event string) bool {
	if patterns[event] || patterns["*"] {
		return true
	}
	for p := range patterns {
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(event, p[:len(p)-1]) {
			return true
		}
	}
	return false
}

// Deliver implements Subscriber. It never blocks.
func (c *Conn) Deliver(frame *protocol.EventFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Str("event", frame.Event).Msg("Failed to encode event")
		return false
	}
	shutdown := frame.Event == protocol.EventShutdown
	return c.enqueue(outboundItem{data: data, critical: shutdown, final: shutdown})
}

func (c *Conn) sendResponse(res *protocol.ResponseFrame) {
	data, err := protocol.Encode(res)
	if err != nil {
		c.logger.Error().Err(err).Str("id", res.ID).Msg("Failed to encode response")
		data, err = protocol.Encode(protocol.NewErrorResponse(res.ID, protocol.NewError(protocol.ErrorCodeInternal, "response encoding failed")))
		if err != nil {
			return
		}
	}
	c.enqueue(outboundItem{data: data, critical: true})
}

func (c *Conn) enqueue(item outboundItem) bool {
	switch c.out.push(item) {
	case pushed:
		return true
	case pushedDroppedOldest:
		c.logger.Debug().Msg("Outbound queue full, dropped oldest event")
		return true
	case droppedNew:
		return false
	case overflowed:
		c.logger.Warn().Int("capacity", c.manager.opts.OutboundCapacity).Msg("Outbound queue overflow, disconnecting")
		c.Close("outbound overflow")
		return false
	default:
		return false
	}
}

// Close stops the connection. Frames already queued are flushed before the
// transport closes. It does not block.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()

		c.out.close()
		c.cancel()
		go func() {
			select {
			case <-c.writerDone:
			case <-time.After(flushTimeout):
			}
			_ = c.transport.Close()
			close(c.closed)
		}()
	})
}

// Done is closed once the transport has been closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) reason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		data, ok := c.out.next(nil)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.manager.opts.WriteTimeout)
		err := c.transport.WriteFrame(ctx, data)
		cancel()
		if err != nil {
			c.logger.Debug().Err(err).Msg("Write failed")
			c.out.close()
			_ = c.transport.Close()
			return
		}
	}
}

func (c *Conn) readLoop() error {
	for {
		data, err := c.transport.ReadFrame(c.ctx)
		if err != nil {
			return err
		}
		c.touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) && decErr.ID != "" {
				c.sendResponse(protocol.NewErrorResponse(decErr.ID, protocol.NewError(protocol.ErrorCodeInvalidRequest, decErr.Reason)))
			} else {
				c.logger.Debug().Err(err).Msg("Dropping undecodable frame")
			}
			continue
		}

		req, ok := frame.(*protocol.RequestFrame)
		if !ok {
			c.logger.Debug().Str("type", frame.FrameType()).Msg("Ignoring non-request frame")
			continue
		}

		if c.limiter != nil {
			r := c.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				r.Cancel()
				c.sendResponse(protocol.NewErrorResponse(req.ID,
					protocol.NewError(protocol.ErrorCodeRateLimited, "too many requests").WithRetryAfter(d)))
				continue
			}
		}

		if !c.manager.tracker.begin() {
			c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.ErrorCodeUnavailable, "gateway is shutting down")))
			continue
		}
		go c.handle(req)
	}
}

func (c *Conn) handle(req *protocol.RequestFrame) {
	defer c.manager.tracker.end()
	c.sendResponse(c.dispatch(req))
}

func (c *Conn) dispatch(req *protocol.RequestFrame) *protocol.ResponseFrame {
	ctx, span := infra.StartSpan(c.ctx, "gateway.dispatch",
		attribute.String("rpc.method", req.Method),
		attribute.String("conn.id", c.id),
	)
	start := time.Now()
	payload, err := c.invoke(ctx, req)
	infra.EndSpan(span, err)

	if err != nil {
		shape := protocol.ShapeOf(err)
		evt := c.logger.Debug()
		if shape.Code == protocol.ErrorCodeInternal {
			evt = c.logger.Error().Err(err)
		}
		evt.Str("method", req.Method).Str("id", req.ID).Str("code", shape.Code).Dur("duration", time.Since(start)).Msg("Request failed")
		return &protocol.ResponseFrame{Type: protocol.FrameTypeResponse, ID: req.ID, Error: shape}
	}

	c.logger.Debug().Str("method", req.Method).Str("id", req.ID).Dur("duration", time.Since(start)).Msg("Request served")
	return protocol.NewResponse(req.ID, payload)
}

// invoke authorizes and runs a handler. Panics become INTERNAL_ERROR.
func (c *Conn) invoke(ctx context.Context, req *protocol.RequestFrame) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("method", req.Method).Bytes("stack", debug.Stack()).Msg("Handler panicked")
			payload = nil
			err = protocol.NewError(protocol.ErrorCodeInternal, "internal error")
		}
	}()

	registry := c.manager.registry
	if _, ok := registry.Lookup(req.Method); !ok {
		return nil, protocol.Errorf(protocol.ErrorCodeMethodNotFound, "unknown method: %s", req.Method)
	}

	mc := c.methodContext()
	if err := authorize(req.Method, mc.Scopes); err != nil {
		return nil, err
	}
	return registry.Dispatch(ctx, req.Method, req.Params, mc)
}

func (c *Conn) methodContext() *MethodContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &MethodContext{
		Services: c.manager.services,
		Conn:     c,
		ConnID:   c.id,
		Client:   c.client,
		Role:     c.role,
		Scopes:   append([]string(nil), c.scopes...),
	}
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
