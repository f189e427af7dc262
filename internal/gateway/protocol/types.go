// Package protocol defines the clawgate wire protocol: the request, response
// and event frames exchanged over a gateway connection, and the error shape.
package protocol

import "encoding/json"

// ProtocolVersion is the current protocol version.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Client modes. Backend modes are operator tooling; frontend is an end-user surface.
const (
	ClientModeBackend  = "backend"
	ClientModeFrontend = "frontend"
	ClientModeCLI      = "cli"
	ClientModeNode     = "node"
	ClientModeProbe    = "probe"
)

// Event names.
const (
	EventTick            = "tick"
	EventHealth          = "health"
	EventPresence        = "presence"
	EventShutdown        = "shutdown"
	EventMessageInbound  = "message.inbound"
	EventDeliveryFailed  = "delivery.failed"
	EventDeliveryUpdated = "delivery.updated"
)

// State domains tracked in EventFrame.StateVersion.
const (
	DomainPresence = "presence"
	DomainHealth   = "health"
)

// Method names.
const (
	MethodConnect           = "connect"
	MethodPing              = "ping"
	MethodHealth            = "health"
	MethodStatus            = "status"
	MethodSystemInfo        = "system.info"
	MethodSystemMethods     = "system.methods"
	MethodChannelsStatus    = "channels.status"
	MethodSessionsList      = "sessions.list"
	MethodSessionsGet       = "sessions.get"
	MethodSessionsDelete    = "sessions.delete"
	MethodEventsSubscribe   = "events.subscribe"
	MethodEventsUnsubscribe = "events.unsubscribe"
	MethodRoutesList        = "routes.list"
	MethodRouteResolve      = "route.resolve"
	MethodMessageSend       = "message.send"
	MethodDeliveryStatus    = "delivery.status"
	MethodDeliveryCancel    = "delivery.cancel"
	MethodDeliveryStats     = "delivery.stats"
	MethodGatewayDisconnect = "gateway.disconnect"
)

// Frame is implemented by the three wire envelopes.
type Frame interface {
	FrameType() string
}

// RequestFrame is a client request to the server.
type RequestFrame struct {
	Type   string          `json:"type"` // "req"
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is a server response to a request.
type ResponseFrame struct {
	Type    string      `json:"type"` // "res"
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server-pushed event.
type EventFrame struct {
	Type         string        `json:"type"` // "event"
	Event        string        `json:"event"`
	Payload      interface{}   `json:"payload,omitempty"`
	Seq          int64         `json:"seq,omitempty"`
	StateVersion *StateVersion `json:"stateVersion,omitempty"`
}

func (*RequestFrame) FrameType() string  { return FrameTypeRequest }
func (*ResponseFrame) FrameType() string { return FrameTypeResponse }
func (*EventFrame) FrameType() string    { return FrameTypeEvent }

// ErrorShape represents an error from the server.
type ErrorShape struct {
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Details      interface{} `json:"details,omitempty"`
	Retryable    bool        `json:"retryable,omitempty"`
	RetryAfterMs int64       `json:"retryAfterMs,omitempty"`
}

func (e *ErrorShape) Error() string {
	return e.Code + ": " + e.Message
}

// StateVersion carries independent monotonic counters per state domain.
type StateVersion struct {
	Presence int64 `json:"presence,omitempty"`
	Health   int64 `json:"health,omitempty"`
}

// NewRequest builds a request frame, marshalling params when present.
func NewRequest(id, method string, params interface{}) (*RequestFrame, error) {
	req := &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// NewResponse builds a successful response. A nil payload is sent as an empty object
// so that exactly one of payload and error is always present on the wire.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	if payload == nil {
		payload = struct{}{}
	}
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response from any error.
func NewErrorResponse(id string, err error) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: ShapeOf(err)}
}

// NewEvent builds an unsequenced event frame. The event bus assigns seq and stateVersion.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// ConnectParams represents the connect request parameters.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Caps        []string   `json:"caps,omitempty"`
	Role        string     `json:"role,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Events      []string   `json:"events,omitempty"`
	Auth        *AuthInfo  `json:"auth,omitempty"`
}

// ClientInfo contains client identification.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// IsFrontend reports whether the client is an end-user surface.
func (c ClientInfo) IsFrontend() bool {
	return c.Mode == ClientModeFrontend
}

// AuthInfo contains authentication credentials.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
}

// HelloOk is the successful connect response.
type HelloOk struct {
	Type     string     `json:"type"` // "hello-ok"
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot *Snapshot  `json:"snapshot,omitempty"`
	Auth     AuthResult `json:"auth"`
	Policy   PolicyInfo `json:"policy"`
}

// ServerInfo contains server information.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features lists available methods and events.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Snapshot is the state a client needs right after connecting.
type Snapshot struct {
	Presence     []PresenceEntry `json:"presence"`
	UptimeMs     int64           `json:"uptimeMs"`
	StateVersion StateVersion    `json:"stateVersion"`
}

// PolicyInfo contains connection policy.
type PolicyInfo struct {
	MaxPayload       int   `json:"maxPayload"`
	MaxBufferedBytes int   `json:"maxBufferedBytes"`
	TickIntervalMs   int64 `json:"tickIntervalMs"`
}

// AuthResult contains the authorization granted to the connection.
type AuthResult struct {
	Role   string   `json:"role,omitempty"`
	Scopes []string `json:"scopes"`
}

// TickEvent is the tick heartbeat event payload.
type TickEvent struct {
	Ts int64 `json:"ts"`
}

// ShutdownEvent is the shutdown event payload.
type ShutdownEvent struct {
	Reason            string `json:"reason"`
	RestartExpectedMs int    `json:"restartExpectedMs,omitempty"`
}

// PresenceEntry represents a connected client.
type PresenceEntry struct {
	ConnID      string `json:"connId"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName,omitempty"`
	Mode        string `json:"mode"`
	Role        string `json:"role,omitempty"`
	RemoteAddr  string `json:"remoteAddr,omitempty"`
	ConnectedAt int64  `json:"connectedAt,omitempty"`
}

// PresenceEvent is the presence event payload.
type PresenceEvent struct {
	Action string        `json:"action"` // "connected" | "disconnected"
	Entry  PresenceEntry `json:"entry"`
	Count  int           `json:"count"`
}

// HealthEvent is the periodic health event payload.
type HealthEvent struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	UptimeMs    int64  `json:"uptimeMs"`
	Pending     int    `json:"pending"`
	InFlight    int    `json:"inFlight"`
}
