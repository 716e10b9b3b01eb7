package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/store"
)

const defaultMessagesLimit = 100

// statusHandler handles GET /status.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := models.ServiceStatus{
		LLMConfigured:   s.deps.Responder != nil && s.deps.Responder.LLMConfigured(),
		SMSConfigured:   s.deps.Sender != nil,
		SignaturePolicy: "disabled",
		ReplyMode:       string(s.opts.ReplyMode),
		RateLimitStore:  s.opts.RateLimitStore,
	}
	if s.deps.Auth != nil && s.deps.Auth.Enabled() {
		status.SignaturePolicy = string(s.deps.Auth.Policy())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// conversationMessagesHandler handles GET /conversations/{id}/messages.
func (s *Server) conversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Conversation store not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	limit := defaultMessagesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}

	conv, err := s.deps.Conversations.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrConversationNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	if err != nil {
		slog.Error("Server.conversationMessagesHandler: get conversation failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	msgs, err := s.deps.Conversations.RecentMessages(r.Context(), id, limit)
	if err != nil {
		slog.Error("Server.conversationMessagesHandler: list messages failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.ConversationTranscript{
		Conversation: conv,
		Messages:     msgs,
	}))
}

// closeConversationHandler handles POST /conversations/{id}/close.
func (s *Server) closeConversationHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Conversation store not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	err := s.deps.Conversations.CloseConversation(r.Context(), id)
	if errors.Is(err, store.ErrConversationNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	if err != nil {
		slog.Error("Server.closeConversationHandler: close failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to close conversation"))
		return
	}
	slog.Info("Server.closeConversationHandler: conversation closed", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation closed", nil))
}
