package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
)

func echoHandler(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	return params, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("demo.echo", echoHandler))
	assert.Error(t, r.Register("demo.echo", echoHandler), "duplicate names are rejected")
	assert.Error(t, r.Register("", echoHandler))
	assert.Error(t, r.Register("demo.nil", nil))

	_, ok := r.Lookup("demo.echo")
	assert.True(t, ok)

	assert.True(t, r.Unregister("demo.echo"))
	assert.False(t, r.Unregister("demo.echo"))
	_, ok = r.Lookup("demo.echo")
	assert.False(t, ok)
}

func TestRegistry_DispatchUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Dispatch(context.Background(), "nope", nil, &MethodContext{})
	require.Error(t, err)

	var gwErr *protocol.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, protocol.ErrorCodeMethodNotFound, gwErr.Code)
	assert.Contains(t, gwErr.Message, "nope")
}

func TestRegistry_DispatchPassesParams(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("demo.echo", echoHandler))

	out, err := r.Dispatch(context.Background(), "demo.echo", json.RawMessage(`{"a":1}`), &MethodContext{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out.(json.RawMessage)))
}

func TestRegistry_MethodsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"b.two", "a.one", "c.three"} {
		require.NoError(t, r.Register(name, echoHandler))
	}
	assert.Equal(t, []string{"a.one", "b.two", "c.three"}, r.Methods())
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	methods := r.Methods()
	for _, m := range []string{
		protocol.MethodConnect,
		protocol.MethodPing,
		protocol.MethodHealth,
		protocol.MethodStatus,
		protocol.MethodMessageSend,
		protocol.MethodDeliveryStats,
	} {
		assert.Contains(t, methods, m)
	}
	assert.Error(t, RegisterBuiltins(r), "builtins cannot be registered twice")
}
