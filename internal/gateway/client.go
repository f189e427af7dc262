package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
)

// DefaultURL is the default gateway address.
const DefaultURL = "ws://127.0.0.1:18789"

// ErrClientClosed is returned for requests on a closed client.
var ErrClientClosed = errors.New("client closed")

// ClientOptions configures the gateway client.
type ClientOptions struct {
	URL               string
	Token             string
	InstanceID        string
	ClientName        string
	ClientDisplayName string
	ClientVersion     string
	Mode              string
	Role              string
	Scopes            []string
	Events            []string

	// SkipConnect dials without sending the connect handshake.
	SkipConnect bool

	OnEvent   func(evt *protocol.EventFrame)
	OnHelloOk func(hello *protocol.HelloOk)
	OnClose   func(err error)
}

// Client is a WebSocket client for the gateway protocol.
type Client struct {
	opts    ClientOptions
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.RWMutex
	pending map[string]chan *protocol.ResponseFrame
	closed  bool
	lastSeq int64
	hello   *protocol.HelloOk
	wg      sync.WaitGroup
	closeCh chan struct{}
}

// NewClient creates a new gateway client.
func NewClient(opts ClientOptions) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.ClientName == "" {
		opts.ClientName = "clawgate-cli"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.Mode == "" {
		opts.Mode = protocol.ClientModeCLI
	}
	if opts.Role == "" {
		opts.Role = RoleOperator
	}
	return &Client{
		opts:    opts,
		pending: make(map[string]chan *protocol.ResponseFrame),
		closeCh: make(chan struct{}),
	}
}

// Connect dials the gateway and performs the connect handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	header.Set("X-Clawgate-Client", c.opts.ClientName)
	header.Set("X-Clawgate-Client-Mode", c.opts.Mode)

	ws, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(ws)

	if c.opts.SkipConnect {
		return nil
	}

	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ID:          c.opts.ClientName,
			DisplayName: c.opts.ClientDisplayName,
			Version:     c.opts.ClientVersion,
			Platform:    runtime.GOOS,
			Mode:        c.opts.Mode,
			InstanceID:  c.opts.InstanceID,
		},
		Role:   c.opts.Role,
		Scopes: c.opts.Scopes,
		Events: c.opts.Events,
	}
	if c.opts.Token != "" {
		params.Auth = &protocol.AuthInfo{Token: c.opts.Token}
	}

	var hello protocol.HelloOk
	if err := c.Call(ctx, protocol.MethodConnect, params, &hello); err != nil {
		_ = c.Close()
		return fmt.Errorf("connect failed: %w", err)
	}

	c.mu.Lock()
	c.hello = &hello
	c.mu.Unlock()

	if c.opts.OnHelloOk != nil {
		c.opts.OnHelloOk(&hello)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}

	c.wg.Wait()
	return nil
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}

// Request sends a request and waits for its response payload.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.RLock()
	ws := c.ws
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClientClosed
	}
	if ws == nil {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.NewString()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.ResponseFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, ErrClientClosed
	case resp := <-ch:
		if !resp.OK {
			return nil, resp.Error
		}
		raw, _ := resp.Payload.(json.RawMessage)
		return raw, nil
	}
}

// Call is Request that decodes the payload into out, if out is non-nil.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				if c.opts.OnClose != nil {
					c.opts.OnClose(err)
				}
				go c.Close()
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		return
	}

	switch f := frame.(type) {
	case *protocol.ResponseFrame:
		c.mu.RLock()
		ch, ok := c.pending[f.ID]
		c.mu.RUnlock()
		if ok {
			select {
			case ch <- f:
			default:
			}
		}

	case *protocol.EventFrame:
		if f.Seq > 0 {
			c.mu.Lock()
			c.lastSeq = f.Seq
			c.mu.Unlock()
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(f)
		}
	}
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ws != nil && !c.closed
}

// Hello returns the connect response.
func (c *Client) Hello() *protocol.HelloOk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello
}

// LastSeq returns the sequence number of the last event received.
func (c *Client) LastSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq
}

// Health calls the health method.
func (c *Client) Health(ctx context.Context) (*protocol.HealthEvent, error) {
	var out protocol.HealthEvent
	if err := c.Call(ctx, protocol.MethodHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status calls the status method.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.Call(ctx, protocol.MethodStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe adds event patterns to this connection.
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	return c.Call(ctx, protocol.MethodEventsSubscribe, map[string]interface{}{"events": events}, nil)
}
