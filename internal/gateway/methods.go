package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"time"

	"github.com/liteclaw/clawgate/internal/channels"
	"github.com/liteclaw/clawgate/internal/delivery"
	"github.com/liteclaw/clawgate/internal/gateway/protocol"
	"github.com/liteclaw/clawgate/internal/routing"
)

// Events advertised in hello-ok.
var serverEvents = []string{
	protocol.EventTick,
	protocol.EventHealth,
	protocol.EventPresence,
	protocol.EventShutdown,
	protocol.EventMessageInbound,
	protocol.EventDeliveryFailed,
	protocol.EventDeliveryUpdated,
}

// RegisterBuiltins registers the gateway's own methods.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Handler{
		protocol.MethodConnect:           handleConnect,
		protocol.MethodPing:              handlePing,
		protocol.MethodHealth:            handleHealth,
		protocol.MethodStatus:            handleStatus,
		protocol.MethodSystemInfo:        handleSystemInfo,
		protocol.MethodSystemMethods:     handleSystemMethods,
		protocol.MethodChannelsStatus:    handleChannelsStatus,
		protocol.MethodSessionsList:      handleSessionsList,
		protocol.MethodSessionsGet:       handleSessionsGet,
		protocol.MethodSessionsDelete:    handleSessionsDelete,
		protocol.MethodEventsSubscribe:   handleEventsSubscribe,
		protocol.MethodEventsUnsubscribe: handleEventsUnsubscribe,
		protocol.MethodRoutesList:        handleRoutesList,
		protocol.MethodRouteResolve:      handleRouteResolve,
		protocol.MethodMessageSend:       handleMessageSend,
		protocol.MethodDeliveryStatus:    handleDeliveryStatus,
		protocol.MethodDeliveryCancel:    handleDeliveryCancel,
		protocol.MethodDeliveryStats:     handleDeliveryStats,
		protocol.MethodGatewayDisconnect: handleGatewayDisconnect,
	}
	for name, h := range builtins {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func unavailable(what string) error {
	return protocol.Errorf(protocol.ErrorCodeUnavailable, "%s is not configured", what)
}

func handleConnect(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p protocol.ConnectParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}

	if p.MinProtocol == 0 {
		p.MinProtocol = protocol.ProtocolVersion
	}
	if p.MaxProtocol == 0 {
		p.MaxProtocol = p.MinProtocol
	}
	if p.MinProtocol > protocol.ProtocolVersion || p.MaxProtocol < protocol.ProtocolVersion {
		return nil, protocol.Errorf(protocol.ErrorCodeInvalidRequest, "protocol mismatch: server speaks %d", protocol.ProtocolVersion).
			WithDetails(map[string]int{"expected": protocol.ProtocolVersion})
	}

	elevate := false
	if p.Auth != nil && p.Auth.Token != "" {
		if mc.Auth == nil || !mc.Auth.ValidToken(p.Auth.Token) {
			return nil, protocol.NewError(protocol.ErrorCodeUnauthorized, "invalid authentication token")
		}
		elevate = true
	}

	scopes := mc.Conn.identify(p.Client, p.Role, p.Scopes, p.Events, elevate)
	info := mc.Conn.Info()

	hello := protocol.HelloOk{
		Type:     "hello-ok",
		Protocol: protocol.ProtocolVersion,
		Server: protocol.ServerInfo{
			Version: mc.Info.Version,
			Commit:  mc.Info.Commit,
			Host:    mc.Info.Host,
			ConnID:  mc.ConnID,
		},
		Features: protocol.Features{
			Methods: mc.Registry.Methods(),
			Events:  serverEvents,
		},
		Snapshot: &protocol.Snapshot{
			Presence:     mc.Conns.Presence(),
			UptimeMs:     mc.Info.Uptime().Milliseconds(),
			StateVersion: mc.Bus.StateVersion(),
		},
		Auth: protocol.AuthResult{Role: info.Role, Scopes: scopes},
		Policy: protocol.PolicyInfo{
			MaxPayload:       int(mc.Info.MaxPayload),
			MaxBufferedBytes: mc.Info.OutboundCapacity,
			TickIntervalMs:   mc.Info.TickInterval.Milliseconds(),
		},
	}
	return hello, nil
}

func handlePing(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"pong": true, "ts": time.Now().UnixMilli()}, nil
}

func healthSnapshot(s *Services) protocol.HealthEvent {
	h := protocol.HealthEvent{
		Status:      "ok",
		Connections: s.Conns.Count(),
		UptimeMs:    s.Info.Uptime().Milliseconds(),
	}
	if s.Queue != nil {
		stats := s.Queue.Stats()
		h.Pending = stats.Pending
		h.InFlight = stats.InFlight
	}
	if !s.Conns.Accepting() {
		h.Status = "shutting_down"
	}
	return h
}

func handleHealth(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	return healthSnapshot(mc.Services), nil
}

// StatusResponse is the payload of the status method and GET /api/status.
type StatusResponse struct {
	Version      string                   `json:"version"`
	Commit       string                   `json:"commit,omitempty"`
	UptimeMs     int64                    `json:"uptimeMs"`
	Connections  int                      `json:"connections"`
	Sessions     int                      `json:"sessions"`
	Channels     int                      `json:"channels"`
	Rules        int                      `json:"rules"`
	DefaultAgent string                   `json:"defaultAgent,omitempty"`
	Delivery     *delivery.Stats          `json:"delivery,omitempty"`
	Seq          int64                    `json:"seq"`
	StateVersion protocol.StateVersion    `json:"stateVersion"`
	Presence     []protocol.PresenceEntry `json:"presence"`
}

func statusSnapshot(s *Services) StatusResponse {
	st := StatusResponse{
		Version:      s.Info.Version,
		Commit:       s.Info.Commit,
		UptimeMs:     s.Info.Uptime().Milliseconds(),
		Connections:  s.Conns.Count(),
		Seq:          s.Bus.Seq(),
		StateVersion: s.Bus.StateVersion(),
		Presence:     s.Conns.Presence(),
	}
	if s.Sessions != nil {
		st.Sessions = s.Sessions.Count()
	}
	if s.Channels != nil {
		st.Channels = len(s.Channels.All())
	}
	if s.Router != nil {
		st.Rules = len(s.Router.Rules())
		st.DefaultAgent = s.Router.DefaultAgent()
	}
	if s.Queue != nil {
		stats := s.Queue.Stats()
		st.Delivery = &stats
	}
	return st
}

func handleStatus(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	return statusSnapshot(mc.Services), nil
}

func handleSystemInfo(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"version":   mc.Info.Version,
		"commit":    mc.Info.Commit,
		"host":      mc.Info.Host,
		"pid":       os.Getpid(),
		"goVersion": runtime.Version(),
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"protocol":  protocol.ProtocolVersion,
		"startedAt": mc.Info.StartedAt,
	}, nil
}

func handleSystemMethods(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"methods": mc.Registry.Methods()}, nil
}

func handleChannelsStatus(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	if mc.Channels == nil {
		return map[string]interface{}{"channels": []channels.AdapterStatus{}}, nil
	}
	return map[string]interface{}{"channels": mc.Channels.Status()}, nil
}

type sessionsListParams struct {
	AgentID string `json:"agentId"`
	Limit   int    `json:"limit" validate:"min=0"`
}

func handleSessionsList(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p sessionsListParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if mc.Sessions == nil {
		return nil, unavailable("session manager")
	}
	list := mc.Sessions.List(p.AgentID)
	total := len(list)
	if p.Limit > 0 && len(list) > p.Limit {
		list = list[:p.Limit]
	}
	return map[string]interface{}{"sessions": list, "total": total}, nil
}

type sessionKeyParams struct {
	Key string `json:"key" validate:"required"`
}

func handleSessionsGet(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if mc.Sessions == nil {
		return nil, unavailable("session manager")
	}
	sess, ok := mc.Sessions.Get(p.Key)
	if !ok {
		return nil, protocol.Errorf(protocol.ErrorCodeNotFound, "session not found: %s", p.Key)
	}
	return sess, nil
}

func handleSessionsDelete(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if mc.Sessions == nil {
		return nil, unavailable("session manager")
	}
	return map[string]interface{}{"key": p.Key, "deleted": mc.Sessions.Delete(p.Key)}, nil
}

type eventsParams struct {
	Events []string `json:"events" validate:"required,min=1,dive,required"`
}

func handleEventsSubscribe(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p eventsParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	info := mc.Conn.Subscribe(p.Events...)
	return map[string]interface{}{"subscriptions": info.Subscriptions, "excluded": info.Excluded}, nil
}

func handleEventsUnsubscribe(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p eventsParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	info := mc.Conn.Unsubscribe(p.Events...)
	return map[string]interface{}{"subscriptions": info.Subscriptions, "excluded": info.Excluded}, nil
}

func handleRoutesList(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	if mc.Router == nil {
		return nil, unavailable("router")
	}
	return map[string]interface{}{
		"defaultAgent": mc.Router.DefaultAgent(),
		"rules":        mc.Router.Rules(),
	}, nil
}

type routeResolveParams struct {
	Channel   string            `json:"channel" validate:"required"`
	AccountID string            `json:"accountId"`
	ChatID    string            `json:"chatId"`
	ChatType  channels.ChatType `json:"chatType"`
	GuildID   string            `json:"guildId"`
	SenderID  string            `json:"senderId"`
	Text      string            `json:"text"`
}

func (p routeResolveParams) message() *channels.InboundMessage {
	return &channels.InboundMessage{
		Channel:   p.Channel,
		AccountID: p.AccountID,
		Sender:    channels.Sender{ID: p.SenderID},
		Chat:      channels.Chat{ID: p.ChatID, Type: p.ChatType, GuildID: p.GuildID},
		Text:      p.Text,
	}
}

func handleRouteResolve(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p routeResolveParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if mc.Router == nil {
		return nil, unavailable("router")
	}
	match, err := mc.Router.Route(p.message())
	if err != nil {
		if errors.Is(err, routing.ErrNoRoute) {
			return nil, protocol.NewError(protocol.ErrorCodeNotFound, err.Error())
		}
		return nil, err
	}
	return match, nil
}

type messageSendParams struct {
	Channel   string            `json:"channel" validate:"required"`
	AccountID string            `json:"accountId"`
	ChatID    string            `json:"chatId" validate:"required"`
	Text      string            `json:"text" validate:"required"`
	ThreadID  string            `json:"threadId"`
	ReplyTo   string            `json:"replyTo"`
	Metadata  map[string]string `json:"metadata"`
}

func handleMessageSend(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p messageSendParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if mc.Queue == nil {
		return nil, unavailable("delivery queue")
	}
	if mc.Channels != nil {
		if _, ok := mc.Channels.Get(p.Channel); !ok {
			return nil, protocol.Errorf(protocol.ErrorCodeNotFound, "channel not found: %s", p.Channel)
		}
	}

	msg := &channels.OutboundMessage{
		ChatID:   p.ChatID,
		Text:     p.Text,
		ThreadID: p.ThreadID,
		ReplyTo:  p.ReplyTo,
		Metadata: p.Metadata,
	}
	id, err := mc.Queue.Enqueue(msg, p.Channel, p.AccountID)
	if err != nil {
		return nil, enqueueError(err)
	}
	return map[string]interface{}{"id": id, "status": delivery.StatusPending}, nil
}

func enqueueError(err error) error {
	if errors.Is(err, delivery.ErrQueueFull) {
		return protocol.NewError(protocol.ErrorCodeUnavailable, err.Error())
	}
	return protocol.NewError(protocol.ErrorCodeInvalidParams, err.Error())
}

type deliveryIDParams struct {
	ID string `json:"id" validate:"required"`
}

func handleDeliveryStatus(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p deliveryIDParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if mc.Queue == nil {
		return nil, unavailable("delivery queue")
	}
	m, err := mc.Queue.Status(p.ID)
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			return nil, protocol.Errorf(protocol.ErrorCodeNotFound, "queued message not found: %s", p.ID)
		}
		return nil, err
	}
	return m, nil
}

func handleDeliveryCancel(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p deliveryIDParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if mc.Queue == nil {
		return nil, unavailable("delivery queue")
	}
	return map[string]interface{}{"id": p.ID, "cancelled": mc.Queue.Cancel(p.ID)}, nil
}

func handleDeliveryStats(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	if mc.Queue == nil {
		return nil, unavailable("delivery queue")
	}
	return map[string]interface{}{
		"stats":    mc.Queue.Stats(),
		"breakers": mc.Queue.Breakers(),
		"policy":   policyView(mc.Queue.Policy()),
	}, nil
}

type disconnectParams struct {
	ConnID string `json:"connId" validate:"required"`
	Reason string `json:"reason"`
}

// handleGatewayDisconnect evicts another connection.
func handleGatewayDisconnect(ctx context.Context, mc *MethodContext, params json.RawMessage) (interface{}, error) {
	var p disconnectParams
	if err := BindParams(params, &p); err != nil {
		return nil, err
	}
	if p.ConnID == mc.ConnID {
		return nil, protocol.NewError(protocol.ErrorCodeInvalidParams, "cannot disconnect the calling connection")
	}
	if p.Reason == "" {
		p.Reason = "disconnected by operator"
	}
	if !mc.Conns.Disconnect(p.ConnID, p.Reason) {
		return nil, protocol.Errorf(protocol.ErrorCodeNotFound, "connection not found: %s", p.ConnID)
	}
	return map[string]interface{}{"connId": p.ConnID, "disconnected": true}, nil
}

func policyView(p delivery.RetryPolicy) map[string]interface{} {
	return map[string]interface{}{
		"maxAttempts":        p.MaxAttempts,
		"baseDelayMs":        p.BaseDelay.Milliseconds(),
		"maxDelayMs":         p.MaxDelay.Milliseconds(),
		"exponentialBackoff": p.ExponentialBackoff,
	}
}
