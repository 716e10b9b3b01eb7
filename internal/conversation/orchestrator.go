// Package conversation runs one customer text through the model: it builds
// the prompt, lets the model call tools for a bounded number of rounds, and
// always ends with a stored reply.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PawPipe/internal/business"
	"github.com/BTreeMap/PawPipe/internal/genai"
	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/ratelimit"
	"github.com/BTreeMap/PawPipe/internal/tools"
	"github.com/BTreeMap/PawPipe/internal/util"
)

const (
	DefaultMaxRounds    = 5
	DefaultMaxTokens    = 1024
	DefaultRoundTimeout = 20 * time.Second
)

// ErrMaxRounds is logged when the model keeps asking for tools past the budget.
var ErrMaxRounds = errors.New("tool round budget exhausted")

// MessageStore is the part of the conversation store the orchestrator writes to.
type MessageStore interface {
	FindOrCreateConversation(ctx context.Context, phone, customerID string) (models.Conversation, error)
	AppendMessage(ctx context.Context, msg models.Message) (string, error)
}

// SnapshotBuilder assembles the context for a phone number.
type SnapshotBuilder interface {
	Build(ctx context.Context, phone string) models.ContextSnapshot
}

// ToolRunner executes tool calls and describes the available tools.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args json.RawMessage, caller tools.Caller) tools.Result
	Specs() []genai.ToolSpec
}

// Inbound is one text received from a customer. From must already be normalized.
type Inbound struct {
	From       string
	Body       string
	MessageSID string
}

// Outcome describes how a turn ended. Reply is never empty.
type Outcome struct {
	Reply          string
	ConversationID string
	Rounds         int
	ToolsUsed      []string
	Fallback       Fallback
}

// Opts configures an Orchestrator.
type Opts struct {
	Completer    genai.Completer
	Limiter      ratelimit.Limiter
	Model        string
	MaxRounds    int
	MaxTokens    int
	RoundTimeout time.Duration
	Replies      Replies
	Now          func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithCompleter sets the model client. Without one every turn gets the offline reply.
func WithCompleter(c genai.Completer) Option {
	return func(o *Opts) {
		o.Completer = c
	}
}

// WithLimiter enables per-number rate limiting.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *Opts) {
		o.Limiter = l
	}
}

// WithModel overrides the model id sent with each request.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithMaxRounds sets the tool round budget.
func WithMaxRounds(n int) Option {
	return func(o *Opts) {
		o.MaxRounds = n
	}
}

// WithMaxTokens sets the output token budget per model call.
func WithMaxTokens(n int) Option {
	return func(o *Opts) {
		o.MaxTokens = n
	}
}

// WithRoundTimeout bounds each model call.
func WithRoundTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.RoundTimeout = d
	}
}

// WithReplies overrides the static fallback texts.
func WithReplies(r Replies) Option {
	return func(o *Opts) {
		o.Replies = r
	}
}

// WithNow overrides the clock used in the system prompt.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Orchestrator handles inbound texts end to end.
type Orchestrator struct {
	store   MessageStore
	builder SnapshotBuilder
	tools   ToolRunner
	profile business.Profile
	opts    Opts
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(st MessageStore, builder SnapshotBuilder, runner ToolRunner, profile business.Profile, opts ...Option) *Orchestrator {
	cfg := Opts{
		MaxRounds:    DefaultMaxRounds,
		MaxTokens:    DefaultMaxTokens,
		RoundTimeout: DefaultRoundTimeout,
		Now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Model == "" && cfg.Completer != nil {
		cfg.Model = cfg.Completer.Model()
	}
	cfg.Replies = cfg.Replies.withDefaults(profile)

	slog.Debug("Orchestrator.NewOrchestrator: configured",
		"llm_configured", cfg.Completer != nil,
		"rate_limited", cfg.Limiter != nil,
		"model", cfg.Model,
		"maxRounds", cfg.MaxRounds,
		"maxTokens", cfg.MaxTokens,
		"roundTimeout", cfg.RoundTimeout)
	return &Orchestrator{store: st, builder: builder, tools: runner, profile: profile, opts: cfg}
}

// LLMConfigured reports whether a model client is wired in.
func (o *Orchestrator) LLMConfigured() bool {
	return o.opts.Completer != nil
}

// turn carries the state of one HandleInbound call.
type turn struct {
	in        Inbound
	phone     string
	convID    string
	rounds    int
	toolsUsed []string
	model     string
}

// HandleInbound processes one customer text and returns the reply to send.
// Every path, including store and provider failures, produces a reply, and
// every path that reaches the store persists it as an assistant message.
func (o *Orchestrator) HandleInbound(ctx context.Context, in Inbound) (out Outcome) {
	t := &turn{in: in, phone: util.MaskPhoneNumber(in.From)}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.HandleInbound: recovered from panic",
				"phone", t.phone, "conversationID", t.convID, "round", t.rounds, "toolsUsed", t.toolsUsed, "panic", r)
			out = o.finish(ctx, t, "", FallbackError)
		}
	}()

	if o.opts.Limiter != nil && !o.opts.Limiter.Admit(ctx, in.From) {
		slog.Warn("Orchestrator.HandleInbound: rate limited", "phone", t.phone)
		o.openConversation(ctx, t, "")
		return o.finish(ctx, t, "", FallbackThrottled)
	}

	if o.opts.Completer == nil {
		slog.Warn("Orchestrator.HandleInbound: LLM not configured, sending offline reply", "phone", t.phone)
		o.openConversation(ctx, t, "")
		return o.finish(ctx, t, "", FallbackOffline)
	}

	// BUILDING_PROMPT
	var snap models.ContextSnapshot
	if o.builder != nil {
		snap = o.builder.Build(ctx, in.From)
	} else {
		snap = models.ContextSnapshot{PhoneNumber: in.From}
	}
	o.openConversation(ctx, t, snap.CustomerID())

	history := NormalizeHistory(snap.History, in.Body)
	req := genai.Request{
		Model:     o.opts.Model,
		System:    BuildSystemPrompt(o.profile, snap, o.opts.Now()),
		MaxTokens: o.opts.MaxTokens,
		Messages:  history,
	}
	if o.tools != nil {
		req.Tools = o.tools.Specs()
	}
	caller := tools.Caller{CustomerID: snap.CustomerID(), ConversationID: t.convID, PhoneNumber: in.From}

	reply, fb, err := o.runLoop(ctx, t, req, caller)
	if err != nil {
		if errors.Is(err, ErrMaxRounds) {
			slog.Warn("Orchestrator.HandleInbound: round budget exhausted",
				"phone", t.phone, "conversationID", t.convID, "rounds", t.rounds, "toolsUsed", t.toolsUsed)
		} else {
			slog.Error("Orchestrator.HandleInbound: turn failed",
				"phone", t.phone, "conversationID", t.convID, "round", t.rounds, "toolsUsed", t.toolsUsed, "error", err)
		}
	}
	return o.finish(ctx, t, reply, fb)
}

// runLoop drives CALLING_MODEL / EXECUTING_TOOLS until a final answer, the
// round budget or an error.
func (o *Orchestrator) runLoop(ctx context.Context, t *turn, req genai.Request, caller tools.Caller) (string, Fallback, error) {
	for t.rounds < o.opts.MaxRounds {
		if err := ctx.Err(); err != nil {
			return "", FallbackError, fmt.Errorf("turn cancelled before round %d: %w", t.rounds+1, err)
		}
		t.rounds++

		// CALLING_MODEL
		resp, err := o.complete(ctx, req)
		if err != nil {
			return "", FallbackError, fmt.Errorf("round %d: %w", t.rounds, err)
		}
		if resp.Model != "" {
			t.model = resp.Model
		}
		uses := resp.ToolUses()
		slog.Debug("Orchestrator.runLoop: model responded",
			"conversationID", t.convID,
			"round", t.rounds,
			"stopReason", resp.StopReason,
			"toolCalls", len(uses),
			"inputTokens", resp.Usage.InputTokens,
			"outputTokens", resp.Usage.OutputTokens)

		// FINAL_ANSWER
		if resp.StopReason != genai.StopToolUse || len(uses) == 0 {
			text := strings.TrimSpace(resp.Text())
			if text == "" {
				return "", FallbackEmpty, nil
			}
			return text, FallbackNone, nil
		}

		// EXECUTING_TOOLS
		req.Messages = append(req.Messages, resp.Turn())
		results := make([]genai.Block, 0, len(uses))
		audit := make([]models.ToolAuditEntry, 0, len(uses))
		for _, use := range uses {
			res := o.runTool(ctx, use, caller)
			t.toolsUsed = appendUnique(t.toolsUsed, use.ToolName)
			results = append(results, genai.ToolResultBlock(use.ToolUseID, res.String(), res.IsError))
			audit = append(audit, models.ToolAuditEntry{
				ToolCallID: use.ToolUseID,
				Name:       use.ToolName,
				Arguments:  validJSON(use.Input),
				Result:     res.Content,
				IsError:    res.IsError,
			})
		}
		req.Messages = append(req.Messages, genai.Turn{Role: genai.RoleUser, Blocks: results})
		o.persistAudit(ctx, t, audit)
	}
	return "", FallbackMaxRounds, ErrMaxRounds
}

func (o *Orchestrator) complete(ctx context.Context, req genai.Request) (*genai.Response, error) {
	if o.opts.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RoundTimeout)
		defer cancel()
	}
	resp, err := o.opts.Completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty response from model")
	}
	return resp, nil
}

func (o *Orchestrator) runTool(ctx context.Context, use genai.Block, caller tools.Caller) tools.Result {
	if o.tools == nil {
		payload, _ := json.Marshal(map[string]string{"error": "no tools are available"})
		return tools.Result{Content: payload, IsError: true}
	}
	slog.Info("Orchestrator.runTool: executing tool",
		"conversationID", caller.ConversationID,
		"toolName", use.ToolName,
		"toolCallID", use.ToolUseID)
	return o.tools.Execute(ctx, use.ToolName, use.Input, caller)
}

// openConversation finds or creates the conversation and stores the inbound
// text. Failures are logged; the turn continues without persistence.
func (o *Orchestrator) openConversation(ctx context.Context, t *turn, customerID string) {
	if o.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	conv, err := o.store.FindOrCreateConversation(ctx, t.in.From, customerID)
	if err != nil {
		slog.Error("Orchestrator.openConversation: find or create failed", "phone", t.phone, "error", err)
		return
	}
	t.convID = conv.ID
	if _, err := o.store.AppendMessage(ctx, models.Message{
		ConversationID:   conv.ID,
		Role:             models.MessageRoleCustomer,
		Content:          t.in.Body,
		Channel:          models.ChannelSMS,
		GatewayMessageID: t.in.MessageSID,
	}); err != nil {
		slog.Error("Orchestrator.openConversation: store inbound failed", "conversationID", conv.ID, "error", err)
	}
}

func (o *Orchestrator) persistAudit(ctx context.Context, t *turn, entries []models.ToolAuditEntry) {
	if o.store == nil || t.convID == "" {
		return
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		slog.Error("Orchestrator.persistAudit: encode failed", "conversationID", t.convID, "error", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if _, err := o.store.AppendMessage(context.WithoutCancel(ctx), models.Message{
		ConversationID: t.convID,
		Role:           models.MessageRoleSystem,
		Content:        fmt.Sprintf("round %d tools: %s", t.rounds, strings.Join(names, ", ")),
		Channel:        models.ChannelSMS,
		ToolAudit:      payload,
	}); err != nil {
		slog.Error("Orchestrator.persistAudit: store failed", "conversationID", t.convID, "error", err)
	}
}

// finish persists the reply (the model's text or the static fallback) and
// builds the Outcome.
func (o *Orchestrator) finish(ctx context.Context, t *turn, reply string, fb Fallback) Outcome {
	if fb != FallbackNone {
		reply = o.opts.Replies.text(fb)
	}
	out := Outcome{
		Reply:          reply,
		ConversationID: t.convID,
		Rounds:         t.rounds,
		ToolsUsed:      append([]string{}, t.toolsUsed...),
		Fallback:       fb,
	}
	if o.store == nil || t.convID == "" {
		return out
	}

	audit, _ := json.Marshal(models.ReplyAudit{ToolsUsed: out.ToolsUsed, Rounds: t.rounds, Fallback: string(fb)})
	model := ""
	if fb == FallbackNone {
		model = t.model
		if model == "" {
			model = o.opts.Model
		}
	}
	if _, err := o.store.AppendMessage(context.WithoutCancel(ctx), models.Message{
		ConversationID: t.convID,
		Role:           models.MessageRoleAssistant,
		Content:        reply,
		Channel:        models.ChannelSMS,
		Model:          model,
		ToolAudit:      audit,
	}); err != nil {
		slog.Error("Orchestrator.finish: store reply failed", "conversationID", t.convID, "error", err)
	}
	slog.Info("Orchestrator.finish: reply ready",
		"phone", t.phone,
		"conversationID", t.convID,
		"rounds", t.rounds,
		"toolsUsed", out.ToolsUsed,
		"fallback", string(fb),
		"replyLength", len(reply))
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func validJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}
