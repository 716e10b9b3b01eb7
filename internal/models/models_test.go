package models

import (
	"encoding/json"
	"testing"
)

func TestErrorResponseShape(t *testing.T) {
	resp := Error("boom")
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"status":"error","message":"boom"}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}

func TestSuccessOmitsEmptyMessage(t *testing.T) {
	resp := Success(map[string]int{"n": 1})
	if resp.Status != string(APIStatusOK) || resp.Message != "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestMessageValidate(t *testing.T) {
	m := Message{Role: MessageRoleCustomer}
	if err := m.Validate(); err != ErrEmptyConversationID {
		t.Errorf("expected ErrEmptyConversationID, got %v", err)
	}
	m.ConversationID = "c1"
	m.Role = "bot"
	if err := m.Validate(); err != ErrInvalidMessageRole {
		t.Errorf("expected ErrInvalidMessageRole, got %v", err)
	}
	m.Role = MessageRoleSystem
	if err := m.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestContextSnapshotCustomerID(t *testing.T) {
	var nilSnap *ContextSnapshot
	if nilSnap.CustomerID() != "" {
		t.Error("nil snapshot should have empty customer id")
	}
	snap := &ContextSnapshot{}
	if snap.IsKnownCustomer() {
		t.Error("snapshot without customer should be unknown")
	}
	snap.Customer = &CustomerProfile{ID: "cus_1", FirstName: "Ada", LastName: "Byron"}
	if !snap.IsKnownCustomer() || snap.CustomerID() != "cus_1" {
		t.Errorf("unexpected customer id %q", snap.CustomerID())
	}
	if got := snap.Customer.DisplayName(); got != "Ada Byron" {
		t.Errorf("DisplayName() = %q", got)
	}
}
