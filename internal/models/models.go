// Package models defines the core data structures for PawPipe.
//
// It includes conversation, message and customer context types plus the JSON
// envelope used by the admin HTTP API.
package models

// APIStatus is the top-level "status" field of every admin API body.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope every admin endpoint answers with. The SMS
// webhook answers with TwiML instead.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage is Success with a human-readable note.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error builds an error envelope. message is shown to operators, so it must
// not carry customer data.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// ConversationTranscript is the result of the admin transcript endpoint.
type ConversationTranscript struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ServiceStatus reports which external providers are configured.
type ServiceStatus struct {
	LLMConfigured   bool   `json:"llm_configured"`
	SMSConfigured   bool   `json:"sms_configured"`
	SignaturePolicy string `json:"signature_policy"`
	ReplyMode       string `json:"reply_mode"`
	RateLimitStore  string `json:"rate_limit_store"`
}
