// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TempHome points HOME and the clawgate state and config paths at a fresh
// temporary directory and returns the state directory.
func TempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	state := filepath.Join(home, ".clawgate")
	t.Setenv("HOME", home)
	t.Setenv("CLAWGATE_STATE_DIR", state)
	t.Setenv("CLAWGATE_CONFIG_PATH", filepath.Join(state, "clawgate.json"))
	return state
}

// PipeEnd is one side of an in-memory framed connection.
type PipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
	addr   string
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := make(chan []byte, 1024)
	b := make(chan []byte, 1024)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &PipeEnd{in: a, out: b, closed: closed, once: once, addr: "pipe"},
		&PipeEnd{in: b, out: a, closed: closed, once: once, addr: "pipe"}
}

// ReadFrame returns the next frame. Frames already sent are still returned after
// the pipe closes.
func (p *PipeEnd) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFrame sends one frame.
func (p *PipeEnd) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// RemoteAddr implements the gateway transport.
func (p *PipeEnd) RemoteAddr() string { return p.addr }

// Closed is closed once either end closes.
func (p *PipeEnd) Closed() <-chan struct{} { return p.closed }

// Send writes a frame with a short timeout.
func (p *PipeEnd) Send(t *testing.T, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.WriteFrame(ctx, data); err != nil {
		t.Fatalf("pipe send: %v", err)
	}
}

// Recv reads a frame or fails the test after timeout.
func (p *PipeEnd) Recv(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	data, err := p.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("pipe recv: %v", err)
	}
	return data
}
