package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PawPipe/internal/conversation"
	"github.com/BTreeMap/PawPipe/internal/twiml"
	"github.com/BTreeMap/PawPipe/internal/util"
)

// smsWebhookHandler handles POST /webhooks/sms. It answers 200 with TwiML on
// every path except a rejected signature under the enforce policy.
func (s *Server) smsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.smsWebhookHandler: failed to parse form", "error", err)
		writeTwiML(w, twiml.Empty)
		return
	}
	if s.deps.Auth != nil && !s.deps.Auth.Allow(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	sid := r.PostForm.Get("MessageSid")

	phone, err := util.NormalizePhoneNumber(from)
	if err != nil {
		slog.Warn("Server.smsWebhookHandler: invalid sender", "from", util.MaskPhoneNumber(from), "messageSid", sid, "error", err)
		writeTwiML(w, twiml.Empty)
		return
	}
	masked := util.MaskPhoneNumber(phone)
	slog.Info("Server.smsWebhookHandler: inbound message", "phone", masked, "messageSid", sid, "bodyLength", len(body))

	if sid != "" && s.deps.Dedup != nil {
		fresh, err := s.deps.Dedup.RecordInbound(r.Context(), sid, phone)
		switch {
		case err != nil:
			slog.Error("Server.smsWebhookHandler: dedup record failed, processing anyway", "messageSid", sid, "error", err)
		case !fresh:
			slog.Info("Server.smsWebhookHandler: duplicate delivery ignored", "phone", masked, "messageSid", sid)
			writeTwiML(w, twiml.Empty)
			return
		}
	}

	in := conversation.Inbound{From: phone, Body: body, MessageSID: sid}

	if s.opts.ReplyMode == ReplyModeAsync {
		err := s.enqueueInbound(r.Context(), in)
		if err == nil {
			writeTwiML(w, twiml.Empty)
			return
		}
		slog.Error("Server.smsWebhookHandler: enqueue failed, replying inline", "phone", masked, "messageSid", sid, "error", err)
	}

	if s.deps.Responder == nil {
		slog.Error("Server.smsWebhookHandler: no responder configured", "phone", masked)
		writeTwiML(w, twiml.Empty)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	out := s.deps.Responder.HandleInbound(ctx, in)
	cancel()
	s.markProcessed(r.Context(), sid)

	slog.Debug("Server.smsWebhookHandler: replying inline",
		"phone", masked,
		"conversationID", out.ConversationID,
		"rounds", out.Rounds,
		"fallback", string(out.Fallback))
	writeTwiML(w, twiml.MessageResponse(out.Reply))
}

func (s *Server) markProcessed(ctx context.Context, sid string) {
	if sid == "" || s.deps.Dedup == nil {
		return
	}
	if err := s.deps.Dedup.MarkProcessed(ctx, sid); err != nil {
		slog.Warn("Server.markProcessed: failed", "messageSid", sid, "error", err)
	}
}
