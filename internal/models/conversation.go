package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Channel identifies the transport a conversation runs over.
type Channel string

const (
	// ChannelSMS is the only channel served by the inbound orchestrator.
	ChannelSMS Channel = "sms"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationStatusActive ConversationStatus = "active"
	ConversationStatusClosed ConversationStatus = "closed"
)

// MessageRole identifies who authored a stored message.
type MessageRole string

const (
	// MessageRoleCustomer is an inbound text from the phone number.
	MessageRoleCustomer MessageRole = "customer"
	// MessageRoleAssistant is a reply sent back to the customer.
	MessageRoleAssistant MessageRole = "assistant"
	// MessageRoleSystem is an audit record of tool invocations. Never shown to the LLM.
	MessageRoleSystem MessageRole = "system"
)

// IsValidMessageRole checks if the given role is one the store accepts.
func IsValidMessageRole(r MessageRole) bool {
	switch r {
	case MessageRoleCustomer, MessageRoleAssistant, MessageRoleSystem:
		return true
	default:
		return false
	}
}

var (
	ErrEmptyPhoneNumber    = errors.New("phone number cannot be empty")
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrInvalidMessageRole  = errors.New("invalid message role")
)

// Conversation is the persistent thread of messages tied to one phone number.
type Conversation struct {
	ID             string             `json:"id"`
	Channel        Channel            `json:"channel"`
	PhoneNumber    string             `json:"phone_number"`
	CustomerID     *string            `json:"customer_id,omitempty"` // nil until the number is matched to a customer
	Status         ConversationStatus `json:"status"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Message is one turn in a conversation.
type Message struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversation_id"`
	Role             MessageRole     `json:"role"`
	Content          string          `json:"content"`
	Channel          Channel         `json:"channel"`
	Model            string          `json:"model,omitempty"`              // model id that produced an assistant reply
	ToolAudit        json.RawMessage `json:"tool_audit,omitempty"`         // tool names/results for system messages, tools used for replies
	GatewayMessageID string          `json:"gateway_message_id,omitempty"` // provider message id for inbound dedupe
	CreatedAt        time.Time       `json:"created_at"`
}

// Validate ensures a message can be appended.
func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if !IsValidMessageRole(m.Role) {
		return ErrInvalidMessageRole
	}
	return nil
}

// ToolAuditEntry records a single tool invocation inside a system audit message.
type ToolAuditEntry struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result"`
	IsError    bool            `json:"is_error,omitempty"`
}

// ReplyAudit is stored with an assistant reply to note how it was produced.
type ReplyAudit struct {
	ToolsUsed []string `json:"tools_used"`
	Rounds    int      `json:"rounds"`
	Fallback  string   `json:"fallback,omitempty"`
}

// InboundSMS is a message received from the SMS gateway.
type InboundSMS struct {
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	Body       string `json:"body"`
	MessageSID string `json:"message_sid,omitempty"`
}
