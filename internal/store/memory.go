package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/util"
)

// InMemoryStore keeps conversations and dedup records in process memory.
// It is used when no database is configured and in tests.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	active        map[string]string // phone -> active conversation id
	messages      map[string][]models.Message
	dedup         map[string]*DedupRecord
}

var (
	_ ConversationStore = (*InMemoryStore)(nil)
	_ DedupRepo         = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		active:        make(map[string]string),
		messages:      make(map[string][]models.Message),
		dedup:         make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) FindOrCreateConversation(_ context.Context, phone, customerID string) (models.Conversation, error) {
	if phone == "" {
		return models.Conversation{}, models.ErrEmptyPhoneNumber
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[phone]; ok {
		conv := s.conversations[id]
		if conv.CustomerID == nil && customerID != "" {
			cid := customerID
			conv.CustomerID = &cid
		}
		return copyConversation(conv), nil
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:             util.NewID(util.ConversationIDPrefix),
		Channel:        models.ChannelSMS,
		PhoneNumber:    phone,
		Status:         models.ConversationStatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if customerID != "" {
		cid := customerID
		conv.CustomerID = &cid
	}
	s.conversations[conv.ID] = conv
	s.active[phone] = conv.ID
	return copyConversation(conv), nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg models.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return "", ErrConversationNotFound
	}
	if msg.ID == "" {
		msg.ID = util.NewID(util.MessageIDPrefix)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Channel == "" {
		msg.Channel = conv.Channel
	}
	if msg.ToolAudit != nil {
		msg.ToolAudit = append(json.RawMessage(nil), msg.ToolAudit...)
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	conv.LastActivityAt = msg.CreatedAt
	return msg.ID, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.messages[conversationID], limit), nil
}

func (s *InMemoryStore) RecentMessagesByPhone(_ context.Context, phone string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[phone]
	if !ok {
		return nil, nil
	}
	return tail(s.messages[id], limit), nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return copyConversation(conv), nil
}

func (s *InMemoryStore) CloseConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Status = models.ConversationStatusClosed
	if s.active[conv.PhoneNumber] == id {
		delete(s.active, conv.PhoneNumber)
	}
	return nil
}

func (s *InMemoryStore) CloseIdleConversations(_ context.Context, idleSince time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := 0
	for phone, id := range s.active {
		conv := s.conversations[id]
		if conv.LastActivityAt.Before(idleSince) {
			conv.Status = models.ConversationStatusClosed
			delete(s.active, phone)
			closed++
		}
	}
	return closed, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, phoneNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		if rec.ProcessedAt != nil || time.Since(rec.ReceivedAt) < InboundReclaimAfter {
			return false, nil
		}
		rec.ReceivedAt = time.Now()
		return true, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, PhoneNumber: phoneNumber, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func tail(msgs []models.Message, limit int) []models.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

func copyConversation(c *models.Conversation) models.Conversation {
	out := *c
	if c.CustomerID != nil {
		cid := *c.CustomerID
		out.CustomerID = &cid
	}
	return out
}
