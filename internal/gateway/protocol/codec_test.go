package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Request(t *testing.T) {
	f, err := Decode([]byte(`{"type":"req","id":"1","method":"ping","params":{"a":1}}`))
	require.NoError(t, err)

	req, ok := f.(*RequestFrame)
	require.True(t, ok)
	assert.Equal(t, "1", req.ID)
	assert.Equal(t, "ping", req.Method)
	assert.JSONEq(t, `{"a":1}`, string(req.Params))
}

func TestDecode_RequestWithoutParams(t *testing.T) {
	f, err := Decode([]byte(`{"type":"req","id":"7","method":"health","params":null}`))
	require.NoError(t, err)
	assert.Nil(t, f.(*RequestFrame).Params)
}

func TestDecode_ResponseAndEvent(t *testing.T) {
	f, err := Decode([]byte(`{"type":"res","id":"9","ok":false,"error":{"code":"NOT_FOUND","message":"nope"}}`))
	require.NoError(t, err)
	res := f.(*ResponseFrame)
	assert.False(t, res.OK)
	assert.Equal(t, ErrorCodeNotFound, res.Error.Code)

	f, err = Decode([]byte(`{"type":"event","event":"tick","payload":{"ts":5},"seq":12,"stateVersion":{"presence":3}}`))
	require.NoError(t, err)
	ev := f.(*EventFrame)
	assert.Equal(t, "tick", ev.Event)
	assert.Equal(t, int64(12), ev.Seq)
	require.NotNil(t, ev.StateVersion)
	assert.Equal(t, int64(3), ev.StateVersion.Presence)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantID string
	}{
		{"malformed json", `{"type":"req","id":"1"`, ""},
		{"not an object", `[1,2,3]`, ""},
		{"missing type", `{"id":"4","method":"ping"}`, "4"},
		{"unknown type", `{"type":"bogus","id":"5"}`, "5"},
		{"missing method", `{"type":"req","id":"2"}`, "2"},
		{"empty method", `{"type":"req","id":"3","method":""}`, "3"},
		{"missing id", `{"type":"req","method":"ping"}`, ""},
		{"numeric id", `{"type":"req","id":1,"method":"ping"}`, ""},
		{"wrong method type", `{"type":"req","id":"6","method":42}`, "6"},
		{"response without ok", `{"type":"res","id":"8"}`, "8"},
		{"failed response without error", `{"type":"res","id":"8","ok":false}`, "8"},
		{"event without name", `{"type":"event"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Frame
			var err error
			assert.NotPanics(t, func() { f, err = Decode([]byte(tt.input)) })
			assert.Nil(t, f)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr), "expected DecodeError, got %v", err)
			assert.Equal(t, tt.wantID, decErr.ID)
		})
	}
}

func TestEncode_SetsDiscriminant(t *testing.T) {
	data, err := Encode(&ResponseFrame{ID: "1", OK: true, Payload: map[string]int{"n": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"res","id":"1","ok":true,"payload":{"n":1}}`, string(data))

	data, err = Encode(&EventFrame{Event: "tick", Seq: 4, StateVersion: &StateVersion{Health: 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","event":"tick","seq":4,"stateVersion":{"health":2}}`, string(data))
}

func TestEncode_RejectsInconsistentResponse(t *testing.T) {
	_, err := Encode(&ResponseFrame{ID: "1", OK: true, Error: &ErrorShape{Code: ErrorCodeInternal}})
	assert.Error(t, err)

	_, err = Encode(&ResponseFrame{ID: "1", OK: false})
	assert.Error(t, err)

	_, err = Encode(nil)
	assert.Error(t, err)
}

func TestEncodeDecode_RequestRoundTrip(t *testing.T) {
	req, err := NewRequest("abc", "message.send", map[string]string{"text": "hi"})
	require.NoError(t, err)

	data, err := Encode(req)
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, req, f)
}

func TestNewResponse_NilPayloadIsEmptyObject(t *testing.T) {
	data, err := Encode(NewResponse("1", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"res","id":"1","ok":true,"payload":{}}`, string(data))
}

func TestNewErrorResponse(t *testing.T) {
	res := NewErrorResponse("2", NewError(ErrorCodeRateLimited, "slow down").WithRetryAfter(1500*time.Millisecond))
	data, err := Encode(res)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	errObj := raw["error"].(map[string]interface{})
	assert.Equal(t, "RATE_LIMITED", errObj["code"])
	assert.Equal(t, true, errObj["retryable"])
	assert.Equal(t, float64(1500), errObj["retryAfterMs"])
	_, hasPayload := raw["payload"]
	assert.False(t, hasPayload)
}

func TestShapeOf(t *testing.T) {
	assert.Nil(t, ShapeOf(nil))

	wrapped := fmt.Errorf("lookup: %w", NewError(ErrorCodeNotFound, "missing"))
	assert.Equal(t, ErrorCodeNotFound, ShapeOf(wrapped).Code)

	assert.Equal(t, ErrorCodeAgentTimeout, ShapeOf(context.DeadlineExceeded).Code)
	assert.True(t, ShapeOf(context.DeadlineExceeded).Retryable)

	plain := ShapeOf(errors.New("boom"))
	assert.Equal(t, ErrorCodeInternal, plain.Code)
	assert.False(t, plain.Retryable)
}

func TestNewError_UnknownCodeCollapses(t *testing.T) {
	e := NewError("TEAPOT", "short and stout")
	assert.Equal(t, ErrorCodeInternal, e.Code)
	assert.True(t, IsKnownCode(ErrorCodeNotPaired))
	assert.False(t, IsKnownCode("TEAPOT"))
	assert.True(t, NewError(ErrorCodeUnavailable, "x").Retryable)
	assert.False(t, NewError(ErrorCodeForbidden, "x").Retryable)
}
