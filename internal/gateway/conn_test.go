package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
	"github.com/liteclaw/clawgate/internal/testutil"
)

const recvTimeout = 2 * time.Second

type harness struct {
	t      *testing.T
	mgr    *Manager
	bus    *EventBus
	reg    *Registry
	client *testutil.PipeEnd
	done   chan error
	events []*protocol.EventFrame
}

func newHarness(t *testing.T, opts ManagerOptions, auth *AuthContext) *harness {
	t.Helper()
	bus := startBus(t)
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	mgr := NewManager(reg, bus, opts, zerolog.Nop())

	h := &harness{t: t, mgr: mgr, bus: bus, reg: reg, done: make(chan error, 1)}
	h.client = h.connect(auth, protocol.ClientInfo{})
	return h
}

// connect serves one more pipe connection on the harness manager.
func (h *harness) connect(auth *AuthContext, client protocol.ClientInfo) *testutil.PipeEnd {
	server, end := testutil.Pipe()
	before := h.mgr.Count()
	go func() {
		h.done <- h.mgr.Serve(context.Background(), server, Handshake{Client: client, Auth: auth})
	}()
	require.Eventually(h.t, func() bool { return h.mgr.Count() > before }, recvTimeout, time.Millisecond)
	h.t.Cleanup(func() { _ = end.Close() })
	return end
}

func (h *harness) send(id, method string, params interface{}) {
	h.t.Helper()
	req, err := protocol.NewRequest(id, method, params)
	require.NoError(h.t, err)
	data, err := protocol.Encode(req)
	require.NoError(h.t, err)
	h.client.Send(h.t, data)
}

// next returns the next response, recording any events read on the way.
func (h *harness) next() *protocol.ResponseFrame {
	h.t.Helper()
	for {
		frame, err := protocol.Decode(h.client.Recv(h.t, recvTimeout))
		require.NoError(h.t, err)
		switch f := frame.(type) {
		case *protocol.ResponseFrame:
			return f
		case *protocol.EventFrame:
			h.events = append(h.events, f)
		}
	}
}

func (h *harness) call(id, method string, params interface{}) *protocol.ResponseFrame {
	h.t.Helper()
	h.send(id, method, params)
	res := h.next()
	require.Equal(h.t, id, res.ID)
	return res
}

func (h *harness) conn() *Conn {
	h.t.Helper()
	sessions := h.mgr.Sessions()
	require.NotEmpty(h.t, sessions)
	c, ok := h.mgr.Get(sessions[0].ID)
	require.True(h.t, ok)
	return c
}

func decodePayload(t *testing.T, res *protocol.ResponseFrame, out interface{}) {
	t.Helper()
	require.True(t, res.OK, "unexpected error: %+v", res.Error)
	raw, ok := res.Payload.(json.RawMessage)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestConn_ConcurrentRequestsAnsweredOnce(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))
	require.NoError(t, h.reg.Register("test.delay", func(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
		var p struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		// Later requests finish first.
		time.Sleep(time.Duration(20-p.N) * time.Millisecond)
		return p, nil
	}))

	const n = 20
	for i := 0; i < n; i++ {
		h.send(fmt.Sprintf("req-%d", i), "test.delay", map[string]int{"n": i})
	}

	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		res := h.next()
		var out struct {
			N int `json:"n"`
		}
		decodePayload(t, res, &out)
		assert.Equal(t, fmt.Sprintf("req-%d", out.N), res.ID, "payload belongs to its request")
		seen[res.ID]++
	}
	require.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}

func TestConn_UnknownMethodThenSuccess(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))

	res := h.call("1", "does.not.exist", nil)
	assert.False(t, res.OK)
	assert.Equal(t, protocol.ErrorCodeMethodNotFound, res.Error.Code)

	res = h.call("2", protocol.MethodPing, nil)
	assert.True(t, res.OK)
}

func TestConn_DecodeErrors(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))

	// An id is recoverable: the client gets an answer.
	h.client.Send(t, []byte(`{"type":"req","id":"bad-1"}`))
	res := h.next()
	assert.Equal(t, "bad-1", res.ID)
	assert.Equal(t, protocol.ErrorCodeInvalidRequest, res.Error.Code)

	// Without an id the frame is dropped and the connection stays usable.
	h.client.Send(t, []byte(`not json`))
	res = h.call("ok-1", protocol.MethodPing, nil)
	assert.True(t, res.OK)
}

func TestConn_HandlerPanic(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))
	require.NoError(t, h.reg.Register("test.panic", func(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
		panic("handler bug")
	}))

	res := h.call("p1", "test.panic", nil)
	assert.Equal(t, protocol.ErrorCodeInternal, res.Error.Code)
	assert.NotContains(t, res.Error.Message, "handler bug")

	res = h.call("p2", protocol.MethodPing, nil)
	assert.True(t, res.OK)
}

func TestConn_ErrorOrder(t *testing.T) {
	readOnly := &AuthContext{Method: "anonymous", Role: RoleOperator, Scopes: []string{ScopeRead}}
	h := newHarness(t, ManagerOptions{}, readOnly)

	res := h.call("1", "admin.secret", nil)
	assert.Equal(t, protocol.ErrorCodeMethodNotFound, res.Error.Code, "unknown methods are reported before authorization")

	res = h.call("2", protocol.MethodMessageSend, map[string]string{"channel": "c", "chatId": "1", "text": "hi"})
	assert.Equal(t, protocol.ErrorCodeForbidden, res.Error.Code)
	assert.Equal(t, map[string]interface{}{"requiredScope": ScopeWrite}, res.Error.Details)

	res = h.call("3", protocol.MethodStatus, nil)
	assert.True(t, res.OK)
}

func TestConn_InvalidParams(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))

	res := h.call("1", protocol.MethodEventsSubscribe, map[string]interface{}{"events": []string{}})
	assert.Equal(t, protocol.ErrorCodeInvalidParams, res.Error.Code)
}

func TestConn_RateLimited(t *testing.T) {
	h := newHarness(t, ManagerOptions{MessageRate: 1, MessageBurst: 1}, adminAuth("loopback"))

	h.send("1", protocol.MethodPing, nil)
	h.send("2", protocol.MethodPing, nil)

	results := map[string]*protocol.ResponseFrame{}
	for i := 0; i < 2; i++ {
		res := h.next()
		results[res.ID] = res
	}
	assert.True(t, results["1"].OK)
	require.NotNil(t, results["2"].Error)
	assert.Equal(t, protocol.ErrorCodeRateLimited, results["2"].Error.Code)
	assert.True(t, results["2"].Error.Retryable)
	assert.Greater(t, results["2"].Error.RetryAfterMs, int64(0))
}

func TestConn_Connect(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))

	res := h.call("c1", protocol.MethodConnect, protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client:      protocol.ClientInfo{ID: "web-ui", Mode: protocol.ClientModeFrontend},
	})
	var hello protocol.HelloOk
	decodePayload(t, res, &hello)

	assert.Equal(t, "hello-ok", hello.Type)
	assert.Equal(t, protocol.ProtocolVersion, hello.Protocol)
	assert.Equal(t, h.conn().ID(), hello.Server.ConnID)
	assert.Equal(t, []string{ScopeRead, ScopeWrite}, hello.Auth.Scopes)
	assert.Contains(t, hello.Features.Methods, protocol.MethodPing)
	require.NotNil(t, hello.Snapshot)
	assert.Len(t, hello.Snapshot.Presence, 1)
	assert.GreaterOrEqual(t, hello.Snapshot.StateVersion.Presence, int64(1))

	assert.Equal(t, "web-ui", h.conn().Client().ID)
	assert.False(t, h.conn().Wants(protocol.EventMessageInbound), "frontends do not receive channel traffic")
	assert.True(t, h.conn().Wants(protocol.EventShutdown))
}

func TestConn_ConnectProtocolMismatch(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))

	res := h.call("c1", protocol.MethodConnect, protocol.ConnectParams{MinProtocol: 99, MaxProtocol: 100})
	assert.Equal(t, protocol.ErrorCodeInvalidRequest, res.Error.Code)
	assert.Equal(t, map[string]interface{}{"expected": float64(protocol.ProtocolVersion)}, res.Error.Details)
}

func TestConn_ConnectInvalidToken(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, &AuthContext{Method: "anonymous", Scopes: []string{ScopeRead}})

	res := h.call("c1", protocol.MethodConnect, protocol.ConnectParams{Auth: &protocol.AuthInfo{Token: "guess"}})
	assert.Equal(t, protocol.ErrorCodeUnauthorized, res.Error.Code)
}

func TestConn_Subscriptions(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))
	c := h.conn()

	assert.True(t, c.Wants(protocol.EventTick), "everything is delivered by default")

	res := h.call("1", protocol.MethodEventsUnsubscribe, map[string]interface{}{"events": []string{"tick"}})
	require.True(t, res.OK)
	assert.False(t, c.Wants(protocol.EventTick))
	assert.True(t, c.Wants(protocol.EventHealth))

	res = h.call("2", protocol.MethodEventsSubscribe, map[string]interface{}{"events": []string{"tick"}})
	require.True(t, res.OK)
	assert.True(t, c.Wants(protocol.EventTick))

	c.identify(protocol.ClientInfo{}, "", nil, []string{"presence", "delivery.*"}, false)
	assert.False(t, c.Wants(protocol.EventTick))
	assert.True(t, c.Wants(protocol.EventPresence))
	assert.True(t, c.Wants(protocol.EventDeliveryFailed))
	assert.True(t, c.Wants(protocol.EventShutdown))

	c.Subscribe("*")
	assert.True(t, c.Wants(protocol.EventTick))
}

func TestConn_EventsReachClient(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))

	_, err := h.bus.Emit(context.Background(), protocol.EventTick, protocol.TickEvent{Ts: 42})
	require.NoError(t, err)

	// The ping response is queued after the tick, so the tick has been read by then.
	h.call("1", protocol.MethodPing, nil)

	var ticks []*protocol.EventFrame
	var lastSeq int64
	for _, e := range h.events {
		assert.Greater(t, e.Seq, lastSeq, "seq increases")
		lastSeq = e.Seq
		if e.Event == protocol.EventTick {
			ticks = append(ticks, e)
		}
	}
	require.Len(t, ticks, 1)
	assert.JSONEq(t, `{"ts":42}`, string(ticks[0].Payload.(json.RawMessage)))
}

func TestConn_PresenceOnDisconnect(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))
	other := h.connect(adminAuth("loopback"), protocol.ClientInfo{ID: "second"})
	require.Equal(t, 2, h.mgr.Count())

	require.NoError(t, other.Close())
	require.Eventually(t, func() bool { return h.mgr.Count() == 1 }, recvTimeout, time.Millisecond)

	for {
		frame, err := protocol.Decode(h.client.Recv(t, recvTimeout))
		require.NoError(t, err)
		ev, ok := frame.(*protocol.EventFrame)
		if !ok || ev.Event != protocol.EventPresence {
			continue
		}
		var p protocol.PresenceEvent
		require.NoError(t, json.Unmarshal(ev.Payload.(json.RawMessage), &p))
		if p.Action == "disconnected" {
			assert.Equal(t, "second", p.Entry.ClientID)
			assert.Equal(t, 1, p.Count)
			require.NotNil(t, ev.StateVersion)
			return
		}
	}
}

// blockingTransport holds every write until released or the write times out.
type blockingTransport struct {
	writing chan struct{}
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		writing: make(chan struct{}, 16),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (b *blockingTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-b.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingTransport) WriteFrame(ctx context.Context, data []byte) error {
	b.writing <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-b.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingTransport) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *blockingTransport) RemoteAddr() string { return "blocked" }

func serveBlocked(t *testing.T, opts ManagerOptions) (*Manager, *Conn, *blockingTransport, chan error) {
	t.Helper()
	bus := startBus(t)
	mgr := NewManager(NewRegistry(), bus, opts, zerolog.Nop())
	tr := newBlockingTransport()
	done := make(chan error, 1)
	go func() { done <- mgr.Serve(context.Background(), tr, Handshake{Auth: adminAuth("loopback")}) }()

	// The writer is now stuck on the presence event.
	select {
	case <-tr.writing:
	case <-time.After(recvTimeout):
		t.Fatal("writer never started")
	}
	sessions := mgr.Sessions()
	require.Len(t, sessions, 1)
	c, ok := mgr.Get(sessions[0].ID)
	require.True(t, ok)
	return mgr, c, tr, done
}

func TestConn_OverflowDisconnect(t *testing.T) {
	mgr, c, _, done := serveBlocked(t, ManagerOptions{
		OutboundCapacity: 1,
		Overflow:         OverflowDisconnect,
		WriteTimeout:     50 * time.Millisecond,
	})

	assert.True(t, c.Deliver(protocol.NewEvent(protocol.EventTick, nil)))
	assert.False(t, c.Deliver(protocol.NewEvent(protocol.EventTick, nil)))

	select {
	case <-c.Done():
	case <-time.After(recvTimeout):
		t.Fatal("connection was not closed on overflow")
	}
	select {
	case <-done:
	case <-time.After(recvTimeout):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, "outbound overflow", c.reason())
}

func TestConn_OverflowDropOldest(t *testing.T) {
	_, c, tr, _ := serveBlocked(t, ManagerOptions{OutboundCapacity: 1})
	defer tr.Close()

	assert.True(t, c.Deliver(protocol.NewEvent(protocol.EventTick, nil)))
	assert.True(t, c.Deliver(protocol.NewEvent(protocol.EventHealth, nil)))

	info := c.Info()
	assert.Equal(t, 1, info.Queued)
	assert.Equal(t, uint64(1), info.Dropped)
	select {
	case <-c.Done():
		t.Fatal("drop-oldest must not disconnect")
	default:
	}
}

func TestConn_ShutdownEventNotDropped(t *testing.T) {
	_, c, tr, _ := serveBlocked(t, ManagerOptions{OutboundCapacity: 1})
	defer tr.Close()

	c.sendResponse(protocol.NewErrorResponse("r1", protocol.NewError(protocol.ErrorCodeInternal, "boom")))
	assert.False(t, c.Deliver(protocol.NewEvent(protocol.EventTick, nil)), "queue full of responses")
	assert.True(t, c.Deliver(protocol.NewEvent(protocol.EventShutdown, protocol.ShutdownEvent{Reason: "stopping"})))

	assert.Equal(t, 2, c.Info().Queued)
	select {
	case <-c.Done():
		t.Fatal("shutdown event must not disconnect")
	default:
	}
}

// waitPresence reads until a presence event with the given action arrives.
func (h *harness) waitPresence(action string) protocol.PresenceEvent {
	h.t.Helper()
	decode := func(ev *protocol.EventFrame) (protocol.PresenceEvent, bool) {
		var p protocol.PresenceEvent
		if ev.Event != protocol.EventPresence {
			return p, false
		}
		require.NoError(h.t, json.Unmarshal(ev.Payload.(json.RawMessage), &p))
		return p, p.Action == action
	}
	for _, ev := range h.events {
		if p, ok := decode(ev); ok {
			return p
		}
	}
	for {
		frame, err := protocol.Decode(h.client.Recv(h.t, recvTimeout))
		require.NoError(h.t, err)
		if ev, ok := frame.(*protocol.EventFrame); ok {
			if p, ok := decode(ev); ok {
				return p
			}
		}
	}
}

func connID(t *testing.T, mgr *Manager, clientID string) string {
	t.Helper()
	for _, s := range mgr.Sessions() {
		if s.Client.ID == clientID {
			return s.ID
		}
	}
	t.Fatalf("no connection for client %s", clientID)
	return ""
}

func TestManager_DisconnectMethod(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))
	h.connect(adminAuth("loopback"), protocol.ClientInfo{ID: "evicted"})
	require.Equal(t, 2, h.mgr.Count())
	target := connID(t, h.mgr, "evicted")

	var out struct {
		ConnID       string `json:"connId"`
		Disconnected bool   `json:"disconnected"`
	}
	res := h.call("1", protocol.MethodGatewayDisconnect, map[string]string{"connId": target, "reason": "kicked"})
	decodePayload(t, res, &out)
	assert.Equal(t, target, out.ConnID)
	assert.True(t, out.Disconnected)

	require.Eventually(t, func() bool { return h.mgr.Count() == 1 }, recvTimeout, time.Millisecond)
	_, ok := h.mgr.Get(target)
	assert.False(t, ok)
	for _, s := range h.mgr.Sessions() {
		assert.NotEqual(t, target, s.ID)
	}

	p := h.waitPresence("disconnected")
	assert.Equal(t, "evicted", p.Entry.ClientID)
	assert.Equal(t, 1, p.Count)

	res = h.call("2", protocol.MethodGatewayDisconnect, map[string]string{"connId": "nope"})
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.ErrorCodeNotFound, res.Error.Code)

	// A connection cannot evict itself.
	res = h.call("3", protocol.MethodGatewayDisconnect, map[string]string{"connId": h.conn().ID()})
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.ErrorCodeInvalidParams, res.Error.Code)
}

func TestManager_DisconnectRequiresAdmin(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, &AuthContext{Method: "token", Role: RoleOperator, Scopes: []string{ScopeRead, ScopeWrite}})
	h.connect(adminAuth("loopback"), protocol.ClientInfo{ID: "other"})

	res := h.call("1", protocol.MethodGatewayDisconnect, map[string]string{"connId": connID(t, h.mgr, "other")})
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.ErrorCodeForbidden, res.Error.Code)
	assert.Equal(t, 2, h.mgr.Count())
}

func TestManager_ConnectionLimit(t *testing.T) {
	h := newHarness(t, ManagerOptions{MaxConnections: 1}, adminAuth("loopback"))
	assert.True(t, h.mgr.Full())

	server, _ := testutil.Pipe()
	err := h.mgr.Serve(context.Background(), server, Handshake{})
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestManager_GracefulShutdown(t *testing.T) {
	h := newHarness(t, ManagerOptions{}, adminAuth("loopback"))
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.reg.Register("test.block", func(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
		close(started)
		<-release
		return "finished", nil
	}))

	h.send("slow", "test.block", nil)
	<-started

	h.mgr.StopAccepting()
	assert.False(t, h.mgr.Accepting())

	res := h.call("late", protocol.MethodPing, nil)
	assert.Equal(t, protocol.ErrorCodeUnavailable, res.Error.Code)

	server, _ := testutil.Pipe()
	assert.ErrorIs(t, h.mgr.Serve(context.Background(), server, Handshake{}), ErrNotAccepting)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(h.mgr.Drain(ctx), context.DeadlineExceeded))

	close(release)
	require.NoError(t, h.mgr.Drain(context.Background()))

	res = h.next()
	assert.Equal(t, "slow", res.ID)
	assert.True(t, res.OK)

	require.NoError(t, h.mgr.CloseAll(context.Background(), "shutdown"))
	assert.NoError(t, <-h.done, "server-initiated close is not an error")
	assert.Equal(t, 0, h.mgr.Count())
}
