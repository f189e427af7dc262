package channels

import (
	"context"
)

// Adapter is the outbound half of a channel integration. The gateway never knows
// about specific platforms, only about this interface.
type Adapter interface {
	ID() string
	Type() ChannelType
	IsConnected() bool

	// Send delivers one message. Errors should be *Error so the delivery queue
	// can tell transient failures from terminal ones.
	Send(ctx context.Context, accountID string, msg *OutboundMessage) (*SendResult, error)
}

// MessageHandler is called when an adapter receives a message from its platform.
type MessageHandler interface {
	HandleIncoming(ctx context.Context, msg *InboundMessage) error
}

// MessageHandlerFunc is a function adapter for MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg *InboundMessage) error

func (f MessageHandlerFunc) HandleIncoming(ctx context.Context, msg *InboundMessage) error {
	return f(ctx, msg)
}

// AdapterFunc wraps a send function as an Adapter. Useful for tests and
// in-process bridges.
type AdapterFunc struct {
	Name     string
	Kind     ChannelType
	SendFunc func(ctx context.Context, accountID string, msg *OutboundMessage) (*SendResult, error)
}

func (a *AdapterFunc) ID() string        { return a.Name }
func (a *AdapterFunc) Type() ChannelType { return a.Kind }
func (a *AdapterFunc) IsConnected() bool { return true }

func (a *AdapterFunc) Send(ctx context.Context, accountID string, msg *OutboundMessage) (*SendResult, error) {
	return a.SendFunc(ctx, accountID, msg)
}
