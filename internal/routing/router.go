package routing

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/liteclaw/clawgate/internal/channels"
)

// ErrNoRoute is returned when no rule matches and no default agent is set.
var ErrNoRoute = errors.New("no route")

// Router evaluates rules against inbound messages. Route is read-only; rule list
// mutations take the write lock.
type Router struct {
	mu           sync.RWMutex
	rules        []*compiledRule // priority desc, then definition order
	defaultAgent string
	nextOrder    int
	logger       zerolog.Logger
}

// NewRouter creates a router with an optional default agent.
func NewRouter(defaultAgent string, logger zerolog.Logger) *Router {
	return &Router{
		defaultAgent: defaultAgent,
		logger:       logger.With().Str("component", "router").Logger(),
	}
}

// AddRule appends a rule. Rule ids must be unique.
func (r *Router) AddRule(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if rule.TargetAgent == "" {
		return fmt.Errorf("rule %q: target agent is required", rule.ID)
	}

	cr := &compiledRule{Rule: rule}
	if rule.Conditions.TextPattern != "" {
		re, err := regexp.Compile(rule.Conditions.TextPattern)
		if err != nil {
			return fmt.Errorf("rule %q: invalid text pattern: %w", rule.ID, err)
		}
		cr.pattern = re
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %q already exists", rule.ID)
		}
	}

	cr.order = r.nextOrder
	r.nextOrder++
	r.rules = append(r.rules, cr)
	sort.SliceStable(r.rules, func(i, j int) bool {
		if r.rules[i].Priority != r.rules[j].Priority {
			return r.rules[i].Priority > r.rules[j].Priority
		}
		return r.rules[i].order < r.rules[j].order
	})
	return nil
}

// RemoveRule deletes a rule by id and reports whether it existed.
func (r *Router) RemoveRule(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rule := range r.rules {
		if rule.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the rules in evaluation order.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.Rule
	}
	return out
}

// DefaultAgent returns the fallback agent.
func (r *Router) DefaultAgent() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultAgent
}

// SetDefaultAgent replaces the fallback agent. Empty disables the fallback.
func (r *Router) SetDefaultAgent(agent string) {
	r.mu.Lock()
	r.defaultAgent = agent
	r.mu.Unlock()
}

// Route picks the target agent for msg: the enabled matching rule with the highest
// priority, the earliest defined one on ties, else the default agent.
func (r *Router) Route(msg *channels.InboundMessage) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if !rule.IsEnabled() || !rule.matches(msg) {
			continue
		}
		r.logger.Debug().
			Str("sender", msg.Sender.Name()).
			Str("agent", rule.TargetAgent).
			Str("rule", rule.ID).
			Msg("Routed message")
		return &Match{AgentID: rule.TargetAgent, RuleID: rule.ID, Reason: ReasonRule}, nil
	}

	if r.defaultAgent != "" {
		r.logger.Debug().
			Str("sender", msg.Sender.Name()).
			Str("agent", r.defaultAgent).
			Msg("Routed message to default agent")
		return &Match{AgentID: r.defaultAgent, Reason: ReasonDefault}, nil
	}

	return nil, fmt.Errorf("%w for message from %s on %s", ErrNoRoute, msg.Sender.Name(), msg.Channel)
}

// Builder assembles a Router.
type Builder struct {
	defaultAgent string
	rules        []Rule
	logger       zerolog.Logger
}

// NewBuilder creates a router builder with a no-op logger.
func NewBuilder() *Builder {
	return &Builder{logger: zerolog.Nop()}
}

// DefaultAgent sets the fallback agent.
func (b *Builder) DefaultAgent(agent string) *Builder {
	b.defaultAgent = agent
	return b
}

// Logger sets the router logger.
func (b *Builder) Logger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// Rule appends a rule.
func (b *Builder) Rule(rule Rule) *Builder {
	b.rules = append(b.rules, rule)
	return b
}

// Rules appends several rules in order.
func (b *Builder) Rules(rules ...Rule) *Builder {
	b.rules = append(b.rules, rules...)
	return b
}

// Build compiles every rule and returns the router.
func (b *Builder) Build() (*Router, error) {
	r := NewRouter(b.defaultAgent, b.logger)
	for _, rule := range b.rules {
		if err := r.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}
