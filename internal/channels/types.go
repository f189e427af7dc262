// Package channels defines the contract between the gateway and channel adapters:
// the unified inbound/outbound message model, the adapter interface used for
// outbound delivery, and the registry that holds live adapters.
package channels

import "time"

// ChannelType represents well-known channel types. Adapters may use any string.
type ChannelType string

const (
	ChannelTypeTelegram ChannelType = "telegram"
	ChannelTypeDiscord  ChannelType = "discord"
	ChannelTypeSlack    ChannelType = "slack"
	ChannelTypeWhatsApp ChannelType = "whatsapp"
	ChannelTypeSignal   ChannelType = "signal"
	ChannelTypeIMessage ChannelType = "imessage"
	ChannelTypeLine     ChannelType = "line"
	ChannelTypeWeb      ChannelType = "web"
	ChannelTypeWebhook  ChannelType = "webhook"
)

// ChatType represents the type of chat.
type ChatType string

const (
	ChatTypeDirect  ChatType = "direct"
	ChatTypeGroup   ChatType = "group"
	ChatTypeChannel ChatType = "channel"
	ChatTypeThread  ChatType = "thread"
)

// Sender represents the sender of a message.
type Sender struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	IsBot       bool   `json:"isBot,omitempty" yaml:"isBot,omitempty"`
}

// Name returns the best human-readable name for the sender.
func (s Sender) Name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	if s.Username != "" {
		return s.Username
	}
	return s.ID
}

// Chat represents a chat/conversation.
type Chat struct {
	ID       string   `json:"id" yaml:"id" validate:"required"`
	Type     ChatType `json:"type,omitempty" yaml:"type,omitempty"`
	Title    string   `json:"title,omitempty" yaml:"title,omitempty"`
	GuildID  string   `json:"guildId,omitempty" yaml:"guildId,omitempty"`
	ThreadID string   `json:"threadId,omitempty" yaml:"threadId,omitempty"`
}

// InboundMessage is a message received from a channel, already translated to
// the gateway's model.
type InboundMessage struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Channel   string            `json:"channel" validate:"required"`
	AccountID string            `json:"accountId,omitempty"`
	Sender    Sender            `json:"sender"`
	Chat      Chat              `json:"chat"`
	Text      string            `json:"text"`
	ReplyTo   string            `json:"replyTo,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message the gateway wants delivered to a chat.
type OutboundMessage struct {
	ChatID   string            `json:"chatId" validate:"required"`
	Text     string            `json:"text" validate:"required"`
	ThreadID string            `json:"threadId,omitempty"`
	ReplyTo  string            `json:"replyTo,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SendResult holds the result of sending a message.
type SendResult struct {
	MessageID string            `json:"messageId"`
	ChatID    string            `json:"chatId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AdapterStatus represents an adapter's status for API responses.
type AdapterStatus struct {
	ID        string      `json:"id"`
	Type      ChannelType `json:"type"`
	AccountID string      `json:"accountId,omitempty"`
	Connected bool        `json:"connected"`
}
