package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
	"github.com/liteclaw/clawgate/internal/session"
)

func errorCode(t *testing.T, err error) string {
	t.Helper()
	var gwErr *protocol.Error
	require.True(t, errors.As(err, &gwErr), "not a gateway error: %v", err)
	return gwErr.Code
}

func TestSessionsGetAndDelete(t *testing.T) {
	sessions := session.NewManager()
	sess := sessions.Touch(session.Origin{AgentID: "main", Channel: "web", ChatID: "c1", SenderID: "u1"})
	mc := &MethodContext{Services: &Services{Sessions: sessions}}
	ctx := context.Background()

	got, err := handleSessionsGet(ctx, mc, json.RawMessage(`{"key":"`+sess.Key+`"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", got.(session.Session).LastSenderID)

	_, err = handleSessionsGet(ctx, mc, nil)
	assert.Equal(t, protocol.ErrorCodeInvalidParams, errorCode(t, err))

	res, err := handleSessionsDelete(ctx, mc, json.RawMessage(`{"key":"`+sess.Key+`"}`))
	require.NoError(t, err)
	assert.Equal(t, true, res.(map[string]interface{})["deleted"])
	assert.Equal(t, 0, sessions.Count())

	_, err = handleSessionsGet(ctx, mc, json.RawMessage(`{"key":"`+sess.Key+`"}`))
	assert.Equal(t, protocol.ErrorCodeNotFound, errorCode(t, err))

	res, err = handleSessionsDelete(ctx, mc, json.RawMessage(`{"key":"`+sess.Key+`"}`))
	require.NoError(t, err)
	assert.Equal(t, false, res.(map[string]interface{})["deleted"])
}

func TestSessionsMethodScopes(t *testing.T) {
	assert.Equal(t, ScopeRead, RequiredScope(protocol.MethodSessionsGet))
	assert.Equal(t, ScopeWrite, RequiredScope(protocol.MethodSessionsDelete))
	assert.Equal(t, ScopeAdmin, RequiredScope(protocol.MethodGatewayDisconnect))
}
