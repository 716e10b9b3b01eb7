package genai

import (
	"context"
	"encoding/json"
	"strings"
)

// Role is the author of a turn in the LLM-facing dialogue.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the kind of content inside a turn.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one piece of content within a turn.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// tool_result (ToolUseID is shared)
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result block answering the tool_use with the given id.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Turn is one message in the alternating user/assistant sequence.
type Turn struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// UserText builds a user turn with a single text block.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Blocks: []Block{TextBlock(text)}}
}

// AssistantText builds an assistant turn with a single text block.
func AssistantText(text string) Turn {
	return Turn{Role: RoleAssistant, Blocks: []Block{TextBlock(text)}}
}

// Text joins the text blocks of the turn.
func (t Turn) Text() string {
	var parts []string
	for _, b := range t.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// IsPlainText reports whether the turn holds only text blocks.
func (t Turn) IsPlainText() bool {
	for _, b := range t.Blocks {
		if b.Type != BlockText {
			return false
		}
	}
	return true
}

// ToolUses returns the tool_use blocks of the turn in order.
func (t Turn) ToolUses() []Block {
	var uses []Block
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolSpec describes a tool offered to the model. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StopReason is why the model stopped generating.
type StopReason string

const (
	// StopEndTurn means the model finished its answer.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model wants tool results before continuing.
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means the output-token budget was hit.
	StopMaxTokens StopReason = "max_tokens"
)

// Request is a single model call.
type Request struct {
	Model     string     `json:"model"`
	System    string     `json:"system"`
	Tools     []ToolSpec `json:"tools,omitempty"`
	MaxTokens int        `json:"max_tokens"`
	Messages  []Turn     `json:"messages"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the model output for one call.
type Response struct {
	Model      string     `json:"model"`
	StopReason StopReason `json:"stop_reason"`
	Blocks     []Block    `json:"blocks"`
	Usage      Usage      `json:"usage"`
}

// Turn returns the response as an assistant turn for appending to history.
func (r *Response) Turn() Turn {
	return Turn{Role: RoleAssistant, Blocks: r.Blocks}
}

// Text joins the text blocks of the response.
func (r *Response) Text() string {
	return r.Turn().Text()
}

// ToolUses returns the requested tool calls in order.
func (r *Response) ToolUses() []Block {
	return r.Turn().ToolUses()
}

// Completer is implemented by LLM provider clients.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// Model returns the default model id used when Request.Model is empty.
	Model() string
}
