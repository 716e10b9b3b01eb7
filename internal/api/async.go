package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PawPipe/internal/conversation"
	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/store"
	"github.com/BTreeMap/PawPipe/internal/twiml"
	"github.com/BTreeMap/PawPipe/internal/util"
)

const (
	// JobKindInboundSMS runs the orchestrator for a queued inbound text.
	JobKindInboundSMS = "inbound_sms"
	// OutboxKindSMSReply is a reply waiting to be sent through the REST API.
	OutboxKindSMSReply = "sms_reply"
)

type smsReplyPayload struct {
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id,omitempty"`
	InReplyTo      string `json:"in_reply_to,omitempty"`
}

func (s *Server) enqueueInbound(ctx context.Context, in conversation.Inbound) error {
	payload, err := json.Marshal(models.InboundSMS{From: in.From, Body: in.Body, MessageSID: in.MessageSID})
	if err != nil {
		return fmt.Errorf("encode inbound job: %w", err)
	}
	dedupeKey := ""
	if in.MessageSID != "" {
		dedupeKey = "inbound:" + in.MessageSID
	}
	id, err := s.deps.Jobs.EnqueueJob(ctx, JobKindInboundSMS, time.Now(), string(payload), dedupeKey)
	if err != nil {
		return fmt.Errorf("enqueue inbound job: %w", err)
	}
	slog.Debug("Server.enqueueInbound: queued", "jobID", id, "phone", util.MaskPhoneNumber(in.From), "messageSid", in.MessageSID)
	return nil
}

// processInboundJob runs one queued inbound text and queues the reply.
func (s *Server) processInboundJob(ctx context.Context, payload string) error {
	var msg models.InboundSMS
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Error("Server.processInboundJob: undecodable payload dropped", "error", err)
		return nil
	}
	if s.deps.Responder == nil {
		return errors.New("no responder configured")
	}

	out := s.deps.Responder.HandleInbound(ctx, conversation.Inbound{From: msg.From, Body: msg.Body, MessageSID: msg.MessageSID})

	reply, err := json.Marshal(smsReplyPayload{Body: twiml.Truncate(out.Reply, twiml.MaxMessageRunes), ConversationID: out.ConversationID, InReplyTo: msg.MessageSID})
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	dedupeKey := ""
	if msg.MessageSID != "" {
		dedupeKey = "reply:" + msg.MessageSID
	}
	if _, err := s.deps.Outbox.EnqueueOutboxMessage(ctx, msg.From, OutboxKindSMSReply, string(reply), dedupeKey); err != nil {
		return fmt.Errorf("enqueue reply: %w", err)
	}
	s.markProcessed(ctx, msg.MessageSID)
	slog.Info("Server.processInboundJob: reply queued",
		"phone", util.MaskPhoneNumber(msg.From),
		"conversationID", out.ConversationID,
		"fallback", string(out.Fallback))
	return nil
}

// deliverReply sends one outbox message through the SMS gateway.
func (s *Server) deliverReply(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindSMSReply {
		return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
	}
	var p smsReplyPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode reply payload: %w", err)
	}
	if p.Body == "" {
		return nil
	}
	// Rows queued before the cap existed may still carry long bodies.
	sid, err := s.deps.Sender.SendSMS(ctx, msg.Recipient, twiml.Truncate(p.Body, twiml.MaxMessageRunes))
	if err != nil {
		return err
	}
	slog.Info("Server.deliverReply: sent", "outboxID", msg.ID, "phone", util.MaskPhoneNumber(msg.Recipient), "sid", sid)
	return nil
}
