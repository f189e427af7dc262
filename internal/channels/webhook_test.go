package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookAdapter_Send(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messageId":"m-1"}`))
	}))
	defer srv.Close()

	a := NewWebhookAdapter(WebhookConfig{ID: "hook", AccountID: "acc1", URL: srv.URL, Token: "s3cret"}, zerolog.Nop())
	res, err := a.Send(context.Background(), "", &OutboundMessage{ChatID: "42", Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "m-1", res.MessageID)
	assert.Equal(t, "42", res.ChatID)
	assert.Equal(t, "Bearer s3cret", auth)
	assert.Equal(t, "hook", got.Channel)
	assert.Equal(t, "acc1", got.AccountID)
	assert.Equal(t, "hi", got.Message.Text)
}

func TestWebhookAdapter_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		header    string
		kind      ErrorKind
		retriable bool
	}{
		{http.StatusTooManyRequests, "3", KindRateLimit, true},
		{http.StatusUnauthorized, "", KindAuth, false},
		{http.StatusForbidden, "", KindPermissionDenied, false},
		{http.StatusNotFound, "", KindNotFound, false},
		{http.StatusBadGateway, "", KindUnavailable, true},
		{http.StatusBadRequest, "", KindInvalidMessage, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			a := NewWebhookAdapter(WebhookConfig{ID: "hook", URL: srv.URL}, zerolog.Nop())
			_, err := a.Send(context.Background(), "", &OutboundMessage{ChatID: "1", Text: "x"})

			var chErr *Error
			require.True(t, errors.As(err, &chErr))
			assert.Equal(t, tt.kind, chErr.Kind)
			assert.Equal(t, tt.retriable, IsRetriable(err))
			if tt.header != "" {
				assert.Equal(t, 3*time.Second, RetryAfter(err))
			}
		})
	}
}

func TestWebhookAdapter_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := NewWebhookAdapter(WebhookConfig{ID: "hook", URL: url, Timeout: time.Second}, zerolog.Nop())
	_, err := a.Send(context.Background(), "", &OutboundMessage{ChatID: "1", Text: "x"})
	require.Error(t, err)
	assert.True(t, IsRetriable(err))
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, IsRetriable(nil))
	assert.True(t, IsRetriable(errors.New("connection reset")))
	assert.False(t, IsRetriable(context.Canceled))
	assert.False(t, IsRetriable(NewError("x", KindAuth, "bad token")))
	assert.True(t, IsRetriable(NewError("x", KindTimeout, "slow")))
}

func TestRegistry(t *testing.T) {
	logger := zerolog.Nop()
	r := NewRegistry(&logger)

	b := &AdapterFunc{Name: "b", Kind: ChannelTypeWeb}
	a := NewWebhookAdapter(WebhookConfig{ID: "a", AccountID: "acc", URL: "http://example.invalid"}, logger)
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(a))
	assert.Error(t, r.Register(b))
	assert.Error(t, r.Register(&AdapterFunc{Kind: ChannelTypeWeb}))
	assert.Error(t, r.Register(nil))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, a, got)

	status := r.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].ID)
	assert.Equal(t, "acc", status[0].AccountID)
	assert.Equal(t, "b", status[1].ID)

	require.NoError(t, r.Unregister("b"))
	assert.Error(t, r.Unregister("b"))
	assert.Len(t, r.All(), 1)
}
