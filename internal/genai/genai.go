// Package genai provides the LLM provider protocol used by the orchestrator and
// an OpenAI-backed implementation of it.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Default configuration constants
const (
	// DefaultModel is used when no model is configured.
	DefaultModel = string(openai.ChatModelGPT4oMini)
	// DefaultMaxTokens bounds output tokens per call; SMS replies are short.
	DefaultMaxTokens = 600
	// DefaultMaxRetries is the SDK-level retry count for transient provider errors.
	DefaultMaxRetries = 2
	// DefaultRequestTimeout is the socket-level timeout given to the SDK.
	DefaultRequestTimeout = 30 * time.Second
)

var (
	// ErrNoAPIKey is returned by NewClient when no credential is available.
	ErrNoAPIKey = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when the provider response has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK's ChatCompletionService to chatService.
type completionsService struct {
	svc *openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey         string
	Model          string
	BaseURL        string
	MaxRetries     int
	RequestTimeout time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default model id.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithMaxRetries sets the SDK retry count.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithRequestTimeout sets the SDK per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Client implements Completer on top of the OpenAI chat completions API.
type Client struct {
	chat  chatService
	model string
}

var _ Completer = (*Client)(nil)

// NewClient creates an OpenAI-backed client. It falls back to the OPENAI_API_KEY
// environment variable and returns ErrNoAPIKey when neither is set.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{MaxRetries: DefaultMaxRetries, RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(cfg.RequestTimeout),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "base_url_set", cfg.BaseURL != "", "max_retries", cfg.MaxRetries)
	return &Client{chat: completionsService{svc: &cli.Chat.Completions}, model: cfg.Model}, nil
}

// Model returns the default model id.
func (c *Client) Model() string {
	return c.model
}

// Complete sends one request and translates the first choice back into the provider-neutral form.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	slog.Debug("Client.Complete: calling model", "model", req.Model, "turns", len(req.Messages), "tools", len(req.Tools))
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	return translateResponse(resp)
}

// buildParams converts a Request into OpenAI chat completion parameters.
// Tool results in a user turn become one tool message each, in order, ahead of any text.
func buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for i, turn := range req.Messages {
		switch turn.Role {
		case RoleUser:
			for _, b := range turn.Blocks {
				if b.Type == BlockToolResult {
					messages = append(messages, openai.ToolMessage(b.Content, b.ToolUseID))
				}
			}
			if text := turn.Text(); text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := turn.Text(); text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: param.NewOpt(text),
				}
			}
			for _, use := range turn.ToolUses() {
				args := string(use.Input)
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: use.ToolUseID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      use.ToolName,
						Arguments: args,
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			return openai.ChatCompletionNewParams{}, fmt.Errorf("turn %d: unsupported role %q", i, turn.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, spec := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  shared.FunctionParameters(spec.Parameters),
			},
		})
	}
	return params, nil
}

// translateResponse maps the first choice of a completion to a Response.
func translateResponse(resp openai.ChatCompletion) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}
	choice := resp.Choices[0]
	out := &Response{
		Model: resp.Model,
		Usage: Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	if choice.Message.Content != "" {
		out.Blocks = append(out.Blocks, TextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if !json.Valid(input) {
			// Keep the turn well-formed; the executor reports the bad arguments to the model.
			quoted, _ := json.Marshal(call.Function.Arguments)
			input = json.RawMessage(`{"_raw":` + string(quoted) + `}`)
		}
		out.Blocks = append(out.Blocks, Block{
			Type:      BlockToolUse,
			ToolUseID: call.ID,
			ToolName:  call.Function.Name,
			Input:     input,
		})
	}

	switch choice.FinishReason {
	case "tool_calls", "function_call":
		out.StopReason = StopToolUse
	case "length":
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopEndTurn
	}
	// A length cut keeps max_tokens even with tool calls; their arguments are truncated.
	if out.StopReason == StopEndTurn && len(choice.Message.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}
