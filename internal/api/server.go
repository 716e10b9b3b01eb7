// Package api is the HTTP surface of PawPipe: the SMS gateway webhook, the
// status endpoint and staff tooling for conversations.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/PawPipe/internal/conversation"
	"github.com/BTreeMap/PawPipe/internal/store"
	"github.com/BTreeMap/PawPipe/internal/twiliosms"
)

const (
	DefaultAddr               = ":8080"
	DefaultTurnTimeout        = 12 * time.Second
	DefaultJobPollInterval    = 2 * time.Second
	DefaultOutboxPollInterval = 2 * time.Second
	shutdownTimeout           = 10 * time.Second
)

// ReplyMode selects how replies reach the customer.
type ReplyMode string

const (
	// ReplyModeSync answers inside the webhook response.
	ReplyModeSync ReplyMode = "sync"
	// ReplyModeAsync acknowledges at once and sends the reply through the REST API.
	ReplyModeAsync ReplyMode = "async"
)

// ParseReplyMode accepts "sync" or "async"; empty means sync.
func ParseReplyMode(s string) (ReplyMode, error) {
	switch ReplyMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReplyModeSync:
		return ReplyModeSync, nil
	case ReplyModeAsync:
		return ReplyModeAsync, nil
	}
	return "", fmt.Errorf("unknown reply mode %q (want sync or async)", s)
}

// Responder turns an inbound text into a reply.
type Responder interface {
	HandleInbound(ctx context.Context, in conversation.Inbound) conversation.Outcome
	LLMConfigured() bool
}

// Deps are the collaborators the server routes to. Only Responder is required.
type Deps struct {
	Responder     Responder
	Conversations store.ConversationStore
	Dedup         store.DedupRepo
	Jobs          store.JobRepo
	Outbox        store.OutboxRepo
	Sender        twiliosms.Sender
	Auth          *twiliosms.Authenticator
}

// Opts holds server configuration.
type Opts struct {
	Addr               string
	ReplyMode          ReplyMode
	TurnTimeout        time.Duration
	JobPollInterval    time.Duration
	OutboxPollInterval time.Duration
	RateLimitStore     string
}

// Option mutates Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithReplyMode sets sync or async replies.
func WithReplyMode(mode ReplyMode) Option {
	return func(o *Opts) {
		o.ReplyMode = mode
	}
}

// WithTurnTimeout bounds a synchronous turn so the webhook answers within the gateway's budget.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.TurnTimeout = d
	}
}

// WithPollIntervals sets how often the async workers poll.
func WithPollIntervals(jobs, outbox time.Duration) Option {
	return func(o *Opts) {
		o.JobPollInterval = jobs
		o.OutboxPollInterval = outbox
	}
}

// WithRateLimitStore names the rate limiter backend reported by /status.
func WithRateLimitStore(name string) Option {
	return func(o *Opts) {
		o.RateLimitStore = name
	}
}

// Server serves the PawPipe HTTP API.
type Server struct {
	deps   Deps
	opts   Opts
	router chi.Router

	jobs   *store.JobRunner
	outbox *store.OutboxSender
}

// NewServer wires routes and, in async mode, the reply workers. Async mode
// needs a job queue, an outbox and an SMS sender; without them the server
// falls back to sync.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{
		Addr:               DefaultAddr,
		ReplyMode:          ReplyModeSync,
		TurnTimeout:        DefaultTurnTimeout,
		JobPollInterval:    DefaultJobPollInterval,
		OutboxPollInterval: DefaultOutboxPollInterval,
		RateLimitStore:     "memory",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{deps: deps, opts: cfg}
	if cfg.ReplyMode == ReplyModeAsync {
		if deps.Jobs == nil || deps.Outbox == nil || deps.Sender == nil {
			slog.Warn("Server.NewServer: async replies need a durable store and SMS credentials, using sync",
				"jobs_set", deps.Jobs != nil, "outbox_set", deps.Outbox != nil, "sender_set", deps.Sender != nil)
			s.opts.ReplyMode = ReplyModeSync
		} else {
			s.jobs = store.NewJobRunner(deps.Jobs, cfg.JobPollInterval)
			s.jobs.RegisterHandler(JobKindInboundSMS, s.processInboundJob)
			s.outbox = store.NewOutboxSender(deps.Outbox, s.deliverReply, cfg.OutboxPollInterval)
		}
	}
	s.router = s.routes()

	slog.Debug("Server.NewServer: configured",
		"addr", s.opts.Addr,
		"reply_mode", s.opts.ReplyMode,
		"turn_timeout", s.opts.TurnTimeout,
		"llm_configured", deps.Responder != nil && deps.Responder.LLMConfigured(),
		"sms_configured", deps.Sender != nil,
		"dedup_set", deps.Dedup != nil)
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhooks/sms", s.smsWebhookHandler)
	r.Get("/status", s.statusHandler)
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/messages", s.conversationMessagesHandler)
		r.Post("/close", s.closeConversationHandler)
	})
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ReplyMode returns the effective reply mode.
func (s *Server) ReplyMode() ReplyMode {
	return s.opts.ReplyMode
}

// Run serves until ctx is cancelled, then shuts down gracefully. In async
// mode it also runs the job runner and outbox sender.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.jobs != nil {
		if err := s.jobs.RecoverStaleJobs(ctx); err != nil {
			slog.Error("Server.Run: recover stale jobs failed", "error", err)
		}
		if err := s.outbox.RecoverStaleMessages(ctx); err != nil {
			slog.Error("Server.Run: recover stale outbox messages failed", "error", err)
		}
		wg.Add(2)
		go func() { defer wg.Done(); s.jobs.Run(ctx) }()
		go func() { defer wg.Done(); s.outbox.Run(ctx) }()
	}

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr, "reply_mode", s.opts.ReplyMode)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.Error("Server.Run: shutdown failed", "error", shutdownErr)
		}
		err = <-errCh
	case err = <-errCh:
	}
	cancel()
	wg.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}
