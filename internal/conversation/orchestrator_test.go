package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PawPipe/internal/business"
	"github.com/BTreeMap/PawPipe/internal/contextbuilder"
	"github.com/BTreeMap/PawPipe/internal/directory"
	"github.com/BTreeMap/PawPipe/internal/genai"
	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/ratelimit"
	"github.com/BTreeMap/PawPipe/internal/store"
	"github.com/BTreeMap/PawPipe/internal/tools"
)

const knownPhone = "+15551230001"

// fakeCompleter replays scripted responses and records each request.
type fakeCompleter struct {
	mu       sync.Mutex
	respond  func(call int, req genai.Request) (*genai.Response, error)
	requests []genai.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req genai.Request) (*genai.Response, error) {
	f.mu.Lock()
	cp := req
	cp.Messages = append([]genai.Turn(nil), req.Messages...)
	f.requests = append(f.requests, cp)
	call := len(f.requests)
	f.mu.Unlock()
	return f.respond(call, req)
}

func (f *fakeCompleter) Model() string { return "fake-model" }

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func textResponse(text string) *genai.Response {
	return &genai.Response{Model: "fake-model-2026", StopReason: genai.StopEndTurn, Blocks: []genai.Block{genai.TextBlock(text)}}
}

func toolUse(id, name, input string) genai.Block {
	return genai.Block{Type: genai.BlockToolUse, ToolUseID: id, ToolName: name, Input: json.RawMessage(input)}
}

// countingRunner wraps a real executor and records calls.
type countingRunner struct {
	inner *tools.Executor
	mu    sync.Mutex
	names []string
}

func (c *countingRunner) Execute(ctx context.Context, name string, args json.RawMessage, caller tools.Caller) tools.Result {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
	return c.inner.Execute(ctx, name, args, caller)
}

func (c *countingRunner) Specs() []genai.ToolSpec { return c.inner.Specs() }

type fixture struct {
	store  *store.InMemoryStore
	dir    *directory.MemoryDirectory
	runner *countingRunner
	llm    *fakeCompleter
}

func newFixture(t *testing.T, respond func(call int, req genai.Request) (*genai.Response, error)) *fixture {
	t.Helper()
	dir := directory.NewMemoryDirectory(directory.Seed{Customers: []directory.SeedCustomer{{
		CustomerProfile: models.CustomerProfile{ID: "cus_1", FirstName: "Dana", Phone: knownPhone},
		Pets:            []models.Pet{{ID: "pet_1", Name: "Biscuit", Species: "dog"}},
		Wallet:          &models.WalletSummary{PointsBalance: 300},
	}}})
	f := &fixture{
		store:  store.NewInMemoryStore(),
		dir:    dir,
		runner: &countingRunner{inner: tools.NewExecutor(dir, business.Default())},
	}
	if respond != nil {
		f.llm = &fakeCompleter{respond: respond}
	}
	return f
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	if f.llm != nil {
		opts = append([]Option{WithCompleter(f.llm)}, opts...)
	}
	return NewOrchestrator(f.store, contextbuilder.New(f.dir, f.store), f.runner, business.Default(), opts...)
}

func (f *fixture) messages(t *testing.T, convID string) []models.Message {
	t.Helper()
	msgs, err := f.store.RecentMessages(context.Background(), convID, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	return msgs
}

func assistantMessages(msgs []models.Message) []models.Message {
	var out []models.Message
	for _, m := range msgs {
		if m.Role == models.MessageRoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestDirectAnswerInOneRound(t *testing.T) {
	f := newFixture(t, func(int, genai.Request) (*genai.Response, error) {
		return textResponse("We're open 7am to 7pm on weekdays."), nil
	})
	out := f.orchestrator().HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "What are your hours?", MessageSID: "SM1"})

	if out.Reply != "We're open 7am to 7pm on weekdays." || out.Fallback != FallbackNone {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Rounds != 1 || f.llm.calls() != 1 {
		t.Fatalf("expected exactly one round, got rounds=%d calls=%d", out.Rounds, f.llm.calls())
	}
	req := f.llm.requests[0]
	if len(req.Messages) != 1 || req.Messages[0].Role != genai.RoleUser {
		t.Fatalf("expected a single user turn, got %+v", req.Messages)
	}
	if !strings.Contains(req.System, "Dana") || !strings.Contains(req.System, "Biscuit") {
		t.Fatal("system prompt should include the customer context")
	}
	if len(req.Tools) != 7 || req.Model != "fake-model" {
		t.Fatalf("unexpected request tools=%d model=%q", len(req.Tools), req.Model)
	}

	msgs := f.messages(t, out.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("expected inbound + reply, got %d messages", len(msgs))
	}
	if msgs[0].Role != models.MessageRoleCustomer || msgs[0].GatewayMessageID != "SM1" {
		t.Fatalf("unexpected inbound message %+v", msgs[0])
	}
	if msgs[1].Model != "fake-model-2026" {
		t.Fatalf("reply should be tagged with the model id, got %q", msgs[1].Model)
	}
	var audit models.ReplyAudit
	if err := json.Unmarshal(msgs[1].ToolAudit, &audit); err != nil {
		t.Fatalf("decode reply audit: %v", err)
	}
	if audit.ToolsUsed == nil || len(audit.ToolsUsed) != 0 {
		t.Fatalf("expected empty tools list, got %v", audit.ToolsUsed)
	}
}

func TestTwoToolCallsInOneRound(t *testing.T) {
	f := newFixture(t, func(call int, req genai.Request) (*genai.Response, error) {
		if call == 1 {
			return &genai.Response{StopReason: genai.StopToolUse, Blocks: []genai.Block{
				genai.TextBlock("Let me check."),
				toolUse("call_a", string(tools.ListPets), `{}`),
				toolUse("call_b", string(tools.GetWalletBalance), `{}`),
			}}, nil
		}
		return textResponse("Biscuit is registered and you have 300 points."), nil
	})
	out := f.orchestrator().HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "pets and points?"})

	if len(f.runner.names) != 2 || f.runner.names[0] != string(tools.ListPets) || f.runner.names[1] != string(tools.GetWalletBalance) {
		t.Fatalf("expected two executions in call order, got %v", f.runner.names)
	}
	if f.llm.calls() != 2 {
		t.Fatalf("expected 2 model calls, got %d", f.llm.calls())
	}
	second := f.llm.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("expected user, assistant, tool results; got %d turns", len(second))
	}
	if second[1].Role != genai.RoleAssistant || len(second[1].ToolUses()) != 2 {
		t.Fatalf("raw assistant turn not carried forward: %+v", second[1])
	}
	results := second[2]
	if results.Role != genai.RoleUser || len(results.Blocks) != 2 {
		t.Fatalf("expected one user turn with two results, got %+v", results)
	}
	if results.Blocks[0].ToolUseID != "call_a" || results.Blocks[1].ToolUseID != "call_b" {
		t.Fatalf("tool results out of order: %+v", results.Blocks)
	}
	for _, b := range results.Blocks {
		if b.Type != genai.BlockToolResult || b.IsError {
			t.Fatalf("unexpected result block %+v", b)
		}
	}

	msgs := f.messages(t, out.ConversationID)
	var system []models.Message
	for _, m := range msgs {
		if m.Role == models.MessageRoleSystem {
			system = append(system, m)
		}
	}
	if len(system) != 1 {
		t.Fatalf("expected one audit message, got %d", len(system))
	}
	var entries []models.ToolAuditEntry
	if err := json.Unmarshal(system[0].ToolAudit, &entries); err != nil || len(entries) != 2 {
		t.Fatalf("unexpected audit entries %v (%v)", entries, err)
	}
	if len(out.ToolsUsed) != 2 || out.Rounds != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestToolFailureDoesNotAbortTurn(t *testing.T) {
	f := newFixture(t, func(call int, req genai.Request) (*genai.Response, error) {
		if call == 1 {
			return &genai.Response{StopReason: genai.StopToolUse, Blocks: []genai.Block{toolUse("c1", "no_such_tool", `{}`)}}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if !last.Blocks[0].IsError {
			t.Errorf("expected an error tool result")
		}
		return textResponse("Sorry, I can't do that, but I can have someone call you."), nil
	})
	out := f.orchestrator().HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "do a thing"})
	if out.Fallback != FallbackNone || !strings.HasPrefix(out.Reply, "Sorry, I can't") {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestEndlessToolUseStopsAtBudget(t *testing.T) {
	f := newFixture(t, func(call int, req genai.Request) (*genai.Response, error) {
		return &genai.Response{StopReason: genai.StopToolUse, Blocks: []genai.Block{toolUse("c", string(tools.GetBusinessInfo), `{}`)}}, nil
	})
	o := f.orchestrator(WithMaxRounds(5))
	out := o.HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "loop forever"})

	if f.llm.calls() != 5 {
		t.Fatalf("expected exactly 5 model calls, got %d", f.llm.calls())
	}
	if out.Fallback != FallbackMaxRounds || out.Reply != o.opts.Replies.MaxRounds {
		t.Fatalf("expected max-rounds fallback, got %+v", out)
	}
	if !strings.Contains(out.Reply, business.Default().Phone) {
		t.Fatal("max-rounds reply should include the human contact")
	}
	replies := assistantMessages(f.messages(t, out.ConversationID))
	if len(replies) != 1 || replies[0].Content != out.Reply {
		t.Fatalf("expected the fallback to be persisted once, got %+v", replies)
	}
}

func TestOfflineWithoutCompleter(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()
	out := o.HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "hello"})

	if out.Fallback != FallbackOffline || out.Reply != DefaultReplies(business.Default()).Offline {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if o.LLMConfigured() {
		t.Fatal("LLMConfigured should be false")
	}
	replies := assistantMessages(f.messages(t, out.ConversationID))
	if len(replies) != 1 || replies[0].Content != out.Reply {
		t.Fatalf("offline reply not persisted: %+v", replies)
	}
	if len(f.runner.names) != 0 {
		t.Fatal("no tools should run offline")
	}
}

func TestProviderErrorGivesGenericReply(t *testing.T) {
	f := newFixture(t, func(int, genai.Request) (*genai.Response, error) {
		return nil, errors.New("upstream 503")
	})
	out := f.orchestrator().HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "hi"})
	if out.Fallback != FallbackError {
		t.Fatalf("expected error fallback, got %+v", out)
	}
	if len(assistantMessages(f.messages(t, out.ConversationID))) != 1 {
		t.Fatal("error reply should be persisted")
	}
}

func TestPanicInProviderIsRecovered(t *testing.T) {
	f := newFixture(t, func(int, genai.Request) (*genai.Response, error) {
		panic("malformed provider payload")
	})
	out := f.orchestrator().HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "hi"})
	if out.Fallback != FallbackError || out.Reply == "" {
		t.Fatalf("expected error fallback, got %+v", out)
	}
	if len(assistantMessages(f.messages(t, out.ConversationID))) != 1 {
		t.Fatal("error reply should be persisted after a panic")
	}
}

func TestRoundTimeout(t *testing.T) {
	f := newFixture(t, nil)
	blocking := &blockingCompleter{}
	o := NewOrchestrator(f.store, contextbuilder.New(f.dir, f.store), f.runner, business.Default(),
		WithCompleter(blocking), WithRoundTimeout(20*time.Millisecond))
	out := o.HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "hi"})
	if out.Fallback != FallbackError {
		t.Fatalf("expected error fallback after timeout, got %+v", out)
	}
}

type blockingCompleter struct{}

func (blockingCompleter) Complete(ctx context.Context, _ genai.Request) (*genai.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingCompleter) Model() string { return "slow" }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestRateLimitedSkipsModel(t *testing.T) {
	f := newFixture(t, func(int, genai.Request) (*genai.Response, error) {
		return textResponse("ok"), nil
	})
	limiter := ratelimit.NewMemoryLimiter(2, time.Hour, fixedClock{time.Now()})
	o := f.orchestrator(WithLimiter(limiter))

	for i := 0; i < 2; i++ {
		if out := o.HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "hi"}); out.Fallback != FallbackNone {
			t.Fatalf("message %d should be admitted, got %+v", i+1, out)
		}
	}
	out := o.HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "hi again"})
	if out.Fallback != FallbackThrottled {
		t.Fatalf("third message should be throttled, got %+v", out)
	}
	if f.llm.calls() != 2 {
		t.Fatalf("throttled message must not reach the model, calls=%d", f.llm.calls())
	}
	msgs := f.messages(t, out.ConversationID)
	if last := msgs[len(msgs)-1]; last.Role != models.MessageRoleAssistant || last.Content != out.Reply {
		t.Fatalf("throttle reply not persisted: %+v", last)
	}
}

func TestEmptyModelTextUsesFallback(t *testing.T) {
	f := newFixture(t, func(int, genai.Request) (*genai.Response, error) {
		return &genai.Response{StopReason: genai.StopMaxTokens}, nil
	})
	out := f.orchestrator().HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "hi"})
	if out.Fallback != FallbackEmpty || out.Reply == "" {
		t.Fatalf("expected empty fallback, got %+v", out)
	}
}

func TestHistoryCarriesAcrossTurns(t *testing.T) {
	f := newFixture(t, func(call int, req genai.Request) (*genai.Response, error) {
		return textResponse("reply " + string(rune('0'+call))), nil
	})
	o := f.orchestrator()
	first := o.HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "one"})
	second := o.HandleInbound(context.Background(), Inbound{From: knownPhone, Body: "two"})

	if first.ConversationID != second.ConversationID {
		t.Fatal("both turns should share the active conversation")
	}
	turns := f.llm.requests[1].Messages
	if len(turns) != 3 || turns[0].Text() != "one" || turns[1].Text() != "reply 1" || turns[2].Text() != "two" {
		t.Fatalf("unexpected second-turn history %+v", turns)
	}
}

func TestEveryBranchPersistsExactlyOneReply(t *testing.T) {
	branches := map[string]func(int, genai.Request) (*genai.Response, error){
		"answer": func(int, genai.Request) (*genai.Response, error) { return textResponse("hi"), nil },
		"error":  func(int, genai.Request) (*genai.Response, error) { return nil, errors.New("down") },
		"loop": func(int, genai.Request) (*genai.Response, error) {
			return &genai.Response{StopReason: genai.StopToolUse, Blocks: []genai.Block{toolUse("c", "bogus", `{}`)}}, nil
		},
		"offline": nil,
	}
	for name, respond := range branches {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, respond)
			out := f.orchestrator().HandleInbound(context.Background(), Inbound{From: "+15557654321", Body: "hello"})
			if out.Reply == "" {
				t.Fatal("reply must not be empty")
			}
			if got := len(assistantMessages(f.messages(t, out.ConversationID))); got != 1 {
				t.Fatalf("expected exactly one persisted reply, got %d", got)
			}
		})
	}
}
