// Package routing decides which agent owns an inbound channel message.
package routing

import (
	"regexp"

	"github.com/liteclaw/clawgate/internal/channels"
)

// Conditions is a partial match over an inbound message. Empty fields match anything;
// every non-empty field must match for the rule to fire.
type Conditions struct {
	Channel     string            `json:"channel,omitempty" yaml:"channel,omitempty" mapstructure:"channel"`
	Account     string            `json:"account,omitempty" yaml:"account,omitempty" mapstructure:"account"`
	Chat        string            `json:"chat,omitempty" yaml:"chat,omitempty" mapstructure:"chat"`
	Sender      string            `json:"sender,omitempty" yaml:"sender,omitempty" mapstructure:"sender"`
	Guild       string            `json:"guild,omitempty" yaml:"guild,omitempty" mapstructure:"guild"`
	ChatType    channels.ChatType `json:"chatType,omitempty" yaml:"chatType,omitempty" mapstructure:"chatType"`
	TextPattern string            `json:"textPattern,omitempty" yaml:"textPattern,omitempty" mapstructure:"textPattern"`
}

// Rule maps matching messages to a target agent.
type Rule struct {
	ID          string     `json:"id" yaml:"id" mapstructure:"id" validate:"required"`
	Priority    int        `json:"priority" yaml:"priority" mapstructure:"priority"`
	Conditions  Conditions `json:"conditions" yaml:"conditions" mapstructure:"conditions"`
	TargetAgent string     `json:"targetAgent" yaml:"targetAgent" mapstructure:"targetAgent" validate:"required"`
	Enabled     *bool      `json:"enabled,omitempty" yaml:"enabled,omitempty" mapstructure:"enabled"`
}

// IsEnabled reports whether the rule takes part in routing. Rules are enabled unless
// explicitly disabled.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// MatchReason explains how a route was chosen.
type MatchReason string

const (
	ReasonRule    MatchReason = "rule"
	ReasonDefault MatchReason = "default"
)

// Match is the result of routing a message.
type Match struct {
	AgentID string      `json:"agentId"`
	RuleID  string      `json:"ruleId,omitempty"`
	Reason  MatchReason `json:"reason"`
}

type compiledRule struct {
	Rule
	order   int
	pattern *regexp.Regexp
}

func (r *compiledRule) matches(msg *channels.InboundMessage) bool {
	c := r.Conditions
	if c.Channel != "" && c.Channel != msg.Channel {
		return false
	}
	if c.Account != "" && c.Account != msg.AccountID {
		return false
	}
	if c.Chat != "" && c.Chat != msg.Chat.ID {
		return false
	}
	if c.Sender != "" && c.Sender != msg.Sender.ID {
		return false
	}
	if c.Guild != "" && c.Guild != msg.Chat.GuildID {
		return false
	}
	if c.ChatType != "" && c.ChatType != msg.Chat.Type {
		return false
	}
	if r.pattern != nil && !r.pattern.MatchString(msg.Text) {
		return false
	}
	return true
}
