// Package gateway provides the clawgate gateway server.
// This is the control plane that holds client connections, dispatches RPC
// methods, publishes server events, and moves channel traffic between the
// router, agents, and the delivery queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/liteclaw/clawgate/internal/channels"
	"github.com/liteclaw/clawgate/internal/config"
	"github.com/liteclaw/clawgate/internal/cron"
	"github.com/liteclaw/clawgate/internal/delivery"
	"github.com/liteclaw/clawgate/internal/gateway/protocol"
	"github.com/liteclaw/clawgate/internal/routing"
	"github.com/liteclaw/clawgate/internal/session"
)

// ServerDetails describes the running server to clients.
type ServerDetails struct {
	Version          string
	Commit           string
	Host             string
	StartedAt        time.Time
	MaxPayload       int64
	OutboundCapacity int
	TickInterval     time.Duration
}

// Uptime returns how long the server has been running.
func (d ServerDetails) Uptime() time.Duration {
	if d.StartedAt.IsZero() {
		return 0
	}
	return time.Since(d.StartedAt)
}

// Options configures a Server.
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Version string
	Commit  string

	// Agents handles routed inbound messages. Without it, routed messages are
	// published as message.inbound events for backend clients.
	Agents AgentRuntime

	// Channels holds outbound adapters. Webhook adapters from config are added to it.
	Channels *channels.Registry

	// Clock drives delivery retries. Nil uses the wall clock.
	Clock delivery.Clock
}

// Server represents the clawgate gateway server.
type Server struct {
	cfg    *config.Config
	echo   *echo.Echo
	logger zerolog.Logger

	auth      *Authenticator
	registry  *Registry
	bus       *EventBus
	conns     *Manager
	router    *routing.Router
	queue     *delivery.Queue
	channels  *channels.Registry
	sessions  *session.Manager
	scheduler *cron.Scheduler
	agents    AgentRuntime
	services  *Services

	// Runtime state
	mu        sync.RWMutex
	running   bool
	startTime time.Time
	addr      net.Addr
	connCtx   context.Context
}

// New creates a new gateway server.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger.With().Str("component", "gateway").Logger()

	router, err := BuildRouter(cfg.Routing, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}

	registry := opts.Channels
	if registry == nil {
		registry = channels.NewRegistry(&opts.Logger)
	}
	for _, wh := range cfg.Channels.Webhooks {
		adapter := channels.NewWebhookAdapter(channels.WebhookConfig{
			ID:        wh.ID,
			AccountID: wh.AccountID,
			URL:       wh.URL,
			Token:     wh.Token,
			Timeout:   wh.Timeout,
		}, opts.Logger)
		if err := registry.Register(adapter); err != nil {
			return nil, fmt.Errorf("channel %s: %w", wh.ID, err)
		}
	}

	overflow, err := ParseOverflowPolicy(cfg.Gateway.Outbound.Overflow)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		auth:      NewAuthenticator(cfg.Gateway),
		registry:  NewRegistry(),
		bus:       NewEventBus(opts.Logger),
		router:    router,
		channels:  registry,
		sessions:  session.NewManager(),
		scheduler: cron.NewScheduler(opts.Logger),
		agents:    opts.Agents,
		connCtx:   context.Background(),
	}

	s.queue = delivery.New(registry, delivery.Options{
		Workers:  cfg.Delivery.Workers,
		Capacity: cfg.Delivery.Capacity,
		Policy: delivery.RetryPolicy{
			MaxAttempts:        cfg.Delivery.MaxAttempts,
			BaseDelay:          cfg.Delivery.BaseDelay,
			MaxDelay:           cfg.Delivery.MaxDelay,
			ExponentialBackoff: cfg.Delivery.ExponentialBackoff,
		},
		MessageTTL:       cfg.Delivery.MessageTTL,
		BreakerThreshold: cfg.Delivery.Breaker.Threshold,
		BreakerTimeout:   cfg.Delivery.Breaker.Timeout,
		Clock:            opts.Clock,
		OnSettled:        s.onDeliverySettled,
	}, opts.Logger)

	s.conns = NewManager(s.registry, s.bus, ManagerOptions{
		OutboundCapacity: cfg.Gateway.Outbound.Capacity,
		Overflow:         overflow,
		MessageRate:      rate.Limit(cfg.Gateway.MessageRate.PerSecond),
		MessageBurst:     cfg.Gateway.MessageRate.Burst,
		MaxConnections:   cfg.Gateway.MaxConnections,
	}, opts.Logger)

	s.services = &Services{
		Agents:    s.agents,
		Sessions:  s.sessions,
		Channels:  s.channels,
		Router:    s.router,
		Queue:     s.queue,
		Bus:       s.bus,
		Conns:     s.conns,
		Scheduler: s.scheduler,
		Registry:  s.registry,
		Auth:      s.auth,
		Info: ServerDetails{
			Version:          opts.Version,
			Commit:           opts.Commit,
			Host:             host,
			MaxPayload:       cfg.Gateway.MaxPayloadBytes,
			OutboundCapacity: cfg.Gateway.Outbound.Capacity,
			TickInterval:     cfg.Gateway.TickInterval,
		},
	}
	s.conns.services = s.services

	if err := RegisterBuiltins(s.registry); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()
	s.echo = e

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// BuildRouter assembles a router from the rules file and inline rules. Inline
// rules are added after file rules; a configured default agent wins over the
// file's.
func BuildRouter(cfg config.RoutingConfig, logger zerolog.Logger) (*routing.Router, error) {
	b := routing.NewBuilder().Logger(logger).DefaultAgent(cfg.DefaultAgent)
	if cfg.RulesFile != "" {
		file, err := routing.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		if cfg.DefaultAgent == "" {
			b.DefaultAgent(file.DefaultAgent)
		}
		b.Rules(file.Rules...)
	}
	b.Rules(cfg.Rules...)
	return b.Build()
}

// Register adds an RPC method. Methods may be added while the server runs.
func (s *Server) Register(name string, h Handler) error {
	return s.registry.Register(name, h)
}

// Registry returns the method registry.
func (s *Server) Registry() *Registry { return s.registry }

// Router returns the message router.
func (s *Server) Router() *routing.Router { return s.router }

// Queue returns the delivery queue.
func (s *Server) Queue() *delivery.Queue { return s.queue }

// Channels returns the channel adapter registry.
func (s *Server) Channels() *channels.Registry { return s.channels }

// Sessions returns the agent session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Connections returns the connection manager.
func (s *Server) Connections() *Manager { return s.conns }

// Events returns the event bus.
func (s *Server) Events() *EventBus { return s.bus }

// Scheduler returns the housekeeping scheduler.
func (s *Server) Scheduler() *cron.Scheduler { return s.scheduler }

// Handler returns the HTTP handler serving the gateway.
func (s *Server) Handler() http.Handler { return s.echo }

// Addr returns the listening address once Run has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully: new
// connections are refused, in-flight handlers finish, a shutdown event is
// sent, and every session is closed.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Gateway.ListenHost(), s.cfg.Gateway.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("gateway already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.addr = ln.Addr()
	s.connCtx = connCtx
	s.services.Info.StartedAt = s.startTime
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	go s.bus.Run(busCtx)

	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		s.queue.Run(queueCtx)
	}()

	if err := s.scheduleJobs(); err != nil {
		_ = ln.Close()
		return err
	}
	s.scheduler.Start()

	serveErr := make(chan error, 1)
	s.echo.Listener = ln
	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway server started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		s.logger.Error().Err(runErr).Msg("Gateway server failed")
	}

	s.shutdown(stopQueue, queueDone)
	return runErr
}

func (s *Server) shutdown(stopQueue context.CancelFunc, queueDone <-chan struct{}) {
	s.logger.Info().Msg("Shutting down gateway server...")

	timeout := s.cfg.Gateway.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.conns.StopAccepting()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := s.conns.Drain(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("In-flight requests did not finish")
	}
	s.scheduler.Stop()

	if _, err := s.bus.Emit(ctx, protocol.EventShutdown, protocol.ShutdownEvent{Reason: "gateway stopping"}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to emit shutdown")
	}
	if err := s.conns.CloseAll(ctx, "shutdown"); err != nil {
		s.logger.Warn().Err(err).Msg("Connections did not close in time")
	}

	stopQueue()
	select {
	case <-queueDone:
	case <-ctx.Done():
		s.logger.Warn().Msg("Delivery workers did not stop in time")
	}

	s.logger.Info().Msg("Server stopped")
}

func (s *Server) scheduleJobs() error {
	gw := s.cfg.Gateway
	if gw.TickInterval > 0 {
		if err := s.scheduler.AddJob("tick", cron.Schedule{Every: gw.TickInterval}, 0, s.tick); err != nil {
			return err
		}
	}
	if gw.HealthInterval > 0 {
		if err := s.scheduler.AddJob("health", cron.Schedule{Every: gw.HealthInterval}, 0, s.publishHealth); err != nil {
			return err
		}
	}
	if r := s.cfg.Delivery.Retention; r > 0 {
		if err := s.scheduler.AddJob("delivery.purge", cron.Schedule{Every: r}, 0, func(ctx context.Context) error {
			if n := s.queue.Purge(r); n > 0 {
				s.logger.Debug().Int("purged", n).Msg("Purged settled deliveries")
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if ttl := s.cfg.Session.IdleTTL; ttl > 0 {
		if err := s.scheduler.AddJob("sessions.cleanup", cron.Schedule{Every: ttl}, 0, func(ctx context.Context) error {
			if n := s.sessions.Cleanup(ttl); n > 0 {
				s.logger.Debug().Int("removed", n).Msg("Removed idle sessions")
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) tick(ctx context.Context) error {
	_, err := s.bus.Emit(ctx, protocol.EventTick, protocol.TickEvent{Ts: time.Now().UnixMilli()})
	return err
}

func (s *Server) publishHealth(ctx context.Context) error {
	_, err := s.bus.Emit(ctx, protocol.EventHealth, healthSnapshot(s.services), protocol.DomainHealth)
	return err
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *Server) connContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connCtx
}

// Broadcast publishes an event to every interested connection and returns its seq.
func (s *Server) Broadcast(ctx context.Context, event string, payload interface{}, domains ...string) (int64, error) {
	frame, err := s.bus.Emit(ctx, event, payload, domains...)
	if err != nil {
		return 0, err
	}
	return frame.Seq, nil
}

// Route picks the agent for an inbound message.
func (s *Server) Route(msg *channels.InboundMessage) (*routing.Match, error) {
	return s.router.Route(msg)
}

// Enqueue hands an outbound message to the delivery queue.
func (s *Server) Enqueue(msg *channels.OutboundMessage, channelID, accountID string) (string, error) {
	return s.queue.Enqueue(msg, channelID, accountID)
}

// InboundResult describes what happened to an inbound message.
type InboundResult struct {
	Match      *routing.Match `json:"route"`
	SessionKey string         `json:"sessionKey"`
	ReplyID    string         `json:"replyId,omitempty"`
	Published  bool           `json:"published"`
}

// HandleIncoming implements channels.MessageHandler.
func (s *Server) HandleIncoming(ctx context.Context, msg *channels.InboundMessage) error {
	_, err := s.dispatchInbound(ctx, msg)
	return err
}

// dispatchInbound routes a message, records the agent session, and either asks
// the agent runtime for a reply or publishes the message to backend clients.
func (s *Server) dispatchInbound(ctx context.Context, msg *channels.InboundMessage) (*InboundResult, error) {
	match, err := s.router.Route(msg)
	if err != nil {
		s.logger.Warn().Str("channel", msg.Channel).Str("chat", msg.Chat.ID).Msg("No route for inbound message")
		return nil, err
	}

	sess := s.sessions.Touch(session.Origin{
		AgentID:   match.AgentID,
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		ChatID:    msg.Chat.ID,
		ThreadID:  msg.Chat.ThreadID,
		SenderID:  msg.Sender.ID,
	})
	result := &InboundResult{Match: match, SessionKey: sess.Key}

	s.logger.Debug().
		Str("channel", msg.Channel).
		Str("agent", match.AgentID).
		Str("rule", match.RuleID).
		Str("session", sess.Key).
		Msg("Inbound message routed")

	if s.agents == nil {
		payload := map[string]interface{}{
			"message":    msg,
			"route":      match,
			"sessionKey": sess.Key,
		}
		if _, err := s.bus.Emit(ctx, protocol.EventMessageInbound, payload); err != nil {
			return nil, fmt.Errorf("publish inbound: %w", err)
		}
		result.Published = true
		return result, nil
	}

	reply, err := s.agents.Reply(ctx, match.AgentID, sess, msg)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", match.AgentID, err)
	}
	if reply == "" {
		return result, nil
	}

	id, err := s.queue.Enqueue(&channels.OutboundMessage{
		ChatID:   msg.Chat.ID,
		Text:     reply,
		ThreadID: msg.Chat.ThreadID,
		ReplyTo:  msg.ID,
	}, msg.Channel, msg.AccountID)
	if err != nil {
		return nil, fmt.Errorf("enqueue reply: %w", err)
	}
	result.ReplyID = id
	return result, nil
}

func (s *Server) onDeliverySettled(m delivery.QueuedMessage) {
	event := protocol.EventDeliveryUpdated
	if m.Status == delivery.StatusFailed {
		event = protocol.EventDeliveryFailed
		s.logger.Warn().Str("id", m.ID).Str("channel", m.ChannelID).Int("attempts", m.Attempts).Str("error", m.LastError).Msg("Delivery failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.bus.Emit(ctx, event, m); err != nil && !errors.Is(err, ErrBusClosed) {
		s.logger.Warn().Err(err).Str("id", m.ID).Msg("Failed to publish delivery update")
	}
}
