package channels

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// WebhookConfig configures a webhook adapter.
type WebhookConfig struct {
	ID        string
	AccountID string
	URL       string
	Token     string
	Timeout   time.Duration
}

// WebhookAdapter delivers outbound messages by POSTing them as JSON to a URL.
// It is the generic bridge for platforms that run their own integration service.
type WebhookAdapter struct {
	cfg    WebhookConfig
	client *resty.Client
	logger zerolog.Logger
}

type webhookPayload struct {
	Channel   string           `json:"channel"`
	AccountID string           `json:"accountId,omitempty"`
	Message   *OutboundMessage `json:"message"`
}

type webhookReply struct {
	MessageID string            `json:"messageId"`
	ChatID    string            `json:"chatId"`
	Metadata  map[string]string `json:"metadata"`
}

// NewWebhookAdapter creates a webhook adapter.
func NewWebhookAdapter(cfg WebhookConfig, logger zerolog.Logger) *WebhookAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &WebhookAdapter{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "channels").Str("adapter", cfg.ID).Logger(),
	}
}

func (a *WebhookAdapter) ID() string        { return a.cfg.ID }
func (a *WebhookAdapter) Type() ChannelType { return ChannelTypeWebhook }
func (a *WebhookAdapter) IsConnected() bool { return a.cfg.URL != "" }
func (a *WebhookAdapter) AccountID() string { return a.cfg.AccountID }

// Send implements Adapter.
func (a *WebhookAdapter) Send(ctx context.Context, accountID string, msg *OutboundMessage) (*SendResult, error) {
	if accountID == "" {
		accountID = a.cfg.AccountID
	}

	var reply webhookReply
	res, err := a.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{Channel: a.cfg.ID, AccountID: accountID, Message: msg}).
		SetResult(&reply).
		Post(a.cfg.URL)
	if err != nil {
		return nil, a.transportError(err)
	}

	if res.IsError() {
		a.logger.Warn().Int("status", res.StatusCode()).Str("chat", msg.ChatID).Msg("Webhook rejected message")
		return nil, a.statusError(res)
	}

	result := &SendResult{
		MessageID: reply.MessageID,
		ChatID:    reply.ChatID,
		Timestamp: time.Now(),
		Metadata:  reply.Metadata,
	}
	if result.ChatID == "" {
		result.ChatID = msg.ChatID
	}
	return result, nil
}

func (a *WebhookAdapter) transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewError(a.cfg.ID, KindTimeout, "%v", err)
	}
	return NewError(a.cfg.ID, KindIO, "%v", err)
}

func (a *WebhookAdapter) statusError(res *resty.Response) error {
	code := res.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited(a.cfg.ID, parseRetryAfter(res.Header().Get("Retry-After")))
	case code == http.StatusUnauthorized:
		return NewError(a.cfg.ID, KindAuth, "webhook returned %d", code)
	case code == http.StatusForbidden:
		return NewError(a.cfg.ID, KindPermissionDenied, "webhook returned %d", code)
	case code == http.StatusNotFound:
		return NewError(a.cfg.ID, KindNotFound, "webhook returned %d", code)
	case code >= 500:
		return NewError(a.cfg.ID, KindUnavailable, "webhook returned %d", code)
	default:
		return NewError(a.cfg.ID, KindInvalidMessage, "webhook returned %d: %s", code, res.String())
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
