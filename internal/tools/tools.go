// Package tools is the closed set of actions the assistant may take on a
// customer's behalf. Each tool has a typed argument struct and a handler; the
// Executor dispatches by name and turns every failure into a JSON error result
// so one bad call never aborts the turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PawPipe/internal/business"
	"github.com/BTreeMap/PawPipe/internal/directory"
	"github.com/BTreeMap/PawPipe/internal/genai"
)

// Name identifies a tool offered to the model.
type Name string

const (
	GetBusinessInfo      Name = "get_business_info"
	GetCustomerProfile   Name = "get_customer_profile"
	ListPets             Name = "list_pets"
	ListBookings         Name = "list_bookings"
	GetWalletBalance     Name = "get_wallet_balance"
	RequestReschedule    Name = "request_reschedule"
	RequestHumanCallback Name = "request_human_callback"
)

// ErrUnidentifiedCaller is returned by customer-scoped tools when the phone
// number did not match a customer.
var ErrUnidentifiedCaller = errors.New("this phone number is not linked to a customer account")

const argumentsLogLimit = 1024

// Caller identifies who a tool runs for.
type Caller struct {
	CustomerID     string
	ConversationID string
	PhoneNumber    string
}

// Result is the JSON payload fed back to the model for one tool call.
type Result struct {
	Content json.RawMessage
	IsError bool
}

// String returns the result content as text.
func (r Result) String() string {
	return string(r.Content)
}

// handler runs a tool with raw JSON arguments.
type handler func(ctx context.Context, caller Caller, args json.RawMessage) (any, error)

// validator is implemented by argument structs that check their own fields.
type validator interface {
	validate() error
}

// bind decodes raw arguments into A, validates them and calls fn.
func bind[A any](fn func(ctx context.Context, caller Caller, args A) (any, error)) handler {
	return func(ctx context.Context, caller Caller, raw json.RawMessage) (any, error) {
		var args A
		if trimmed := strings.TrimSpace(string(raw)); trimmed != "" && trimmed != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		if v, ok := any(&args).(validator); ok {
			if err := v.validate(); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, caller, args)
	}
}

// entry is one row of the registry.
type entry struct {
	spec genai.ToolSpec
	run  handler
}

// Executor dispatches tool calls to the directory and business profile.
type Executor struct {
	dir      directory.Directory
	profile  business.Profile
	now      func() time.Time
	registry map[Name]entry
	order    []Name
}

// Opts configures an Executor.
type Opts struct {
	Now func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithNow overrides the clock used for booking windows and request timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// NewExecutor builds an Executor with the full tool registry.
func NewExecutor(dir directory.Directory, profile business.Profile, opts ...Option) *Executor {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	e := &Executor{dir: dir, profile: profile, now: cfg.Now}
	e.registry = map[Name]entry{
		GetBusinessInfo:      {businessInfoSpec, bind(e.getBusinessInfo)},
		GetCustomerProfile:   {customerProfileSpec, bind(e.getCustomerProfile)},
		ListPets:             {listPetsSpec, bind(e.listPets)},
		ListBookings:         {listBookingsSpec, bind(e.listBookings)},
		GetWalletBalance:     {walletSpec, bind(e.getWalletBalance)},
		RequestReschedule:    {rescheduleSpec, bind(e.requestReschedule)},
		RequestHumanCallback: {callbackSpec, bind(e.requestHumanCallback)},
	}
	e.order = []Name{GetBusinessInfo, GetCustomerProfile, ListPets, ListBookings, GetWalletBalance, RequestReschedule, RequestHumanCallback}
	slog.Debug("Executor.NewExecutor: tools registered", "count", len(e.registry), "hasDirectory", dir != nil)
	return e
}

// Specs returns the tool definitions sent to the model, in a stable order.
func (e *Executor) Specs() []genai.ToolSpec {
	specs := make([]genai.ToolSpec, 0, len(e.order))
	for _, n := range e.order {
		specs = append(specs, e.registry[n].spec)
	}
	return specs
}

// Execute runs the named tool. It never panics and never returns a Go error:
// unknown tools, bad arguments and collaborator failures all come back as an
// IsError result with an {"error": "..."} payload.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage, caller Caller) (res Result) {
	ent, ok := e.registry[Name(name)]
	if !ok {
		slog.Warn("Executor.Execute: unknown tool", "toolName", name, "conversationID", caller.ConversationID)
		return errorResult(fmt.Errorf("unknown tool %q", name))
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Executor.Execute: tool panicked", "toolName", name, "conversationID", caller.ConversationID, "panic", r)
			res = errorResult(fmt.Errorf("tool %s failed unexpectedly", name))
		}
	}()

	start := time.Now()
	out, err := ent.run(ctx, caller, args)
	if err != nil {
		slog.Warn("Executor.Execute: tool failed",
			"toolName", name,
			"conversationID", caller.ConversationID,
			"customerID", caller.CustomerID,
			"arguments", truncateArgs(args),
			"error", err)
		return errorResult(err)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		slog.Error("Executor.Execute: encode result failed", "toolName", name, "error", err)
		return errorResult(fmt.Errorf("encode %s result: %w", name, err))
	}
	slog.Info("Executor.Execute: tool completed",
		"toolName", name,
		"conversationID", caller.ConversationID,
		"duration", time.Since(start),
		"resultBytes", len(payload))
	return Result{Content: payload}
}

func errorResult(err error) Result {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Result{Content: payload, IsError: true}
}

func truncateArgs(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > argumentsLogLimit {
		return s[:argumentsLogLimit] + "...(truncated)"
	}
	return s
}

func requireCustomer(caller Caller) error {
	if caller.CustomerID == "" {
		return ErrUnidentifiedCaller
	}
	return nil
}

func (e *Executor) requireDirectory() error {
	if e.dir == nil {
		return errors.New("customer records are unavailable right now")
	}
	return nil
}
