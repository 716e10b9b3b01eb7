// Package testutil provides shared fixtures and assertions for PawPipe tests.
package testutil

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PawPipe/internal/directory"
	"github.com/BTreeMap/PawPipe/internal/genai"
	"github.com/BTreeMap/PawPipe/internal/models"
)

const (
	// KnownPhone belongs to the customer in SeedDirectory.
	KnownPhone = "+15551230001"
	// KnownCustomerID is that customer's id.
	KnownCustomerID = "cus_1"
	// UnknownPhone matches no customer.
	UnknownPhone = "+15559990000"
)

// TB is the subset of testing.TB the assertions use.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// SeedDirectory returns a directory with one customer, one pet, one upcoming
// booking and a wallet.
func SeedDirectory() *directory.MemoryDirectory {
	start := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)
	return directory.NewMemoryDirectory(directory.Seed{Customers: []directory.SeedCustomer{{
		CustomerProfile: models.CustomerProfile{ID: KnownCustomerID, FirstName: "Dana", LastName: "Lee", Phone: KnownPhone},
		Pets:            []models.Pet{{ID: "pet_1", Name: "Biscuit", Species: "dog", Breed: "beagle", VaccinationsCurrent: true}},
		Bookings: []models.Booking{{
			ID: "bk_1", PetID: "pet_1", PetName: "Biscuit", Service: "boarding",
			StartsAt: start, EndsAt: start.Add(48 * time.Hour), Status: models.BookingStatusConfirmed,
		}},
		Wallet: &models.WalletSummary{PointsBalance: 250, CreditCents: 1000},
	}}})
}

// ScriptedCompleter is a genai.Completer that answers from a function and
// records every request.
type ScriptedCompleter struct {
	Respond func(call int, req genai.Request) (*genai.Response, error)

	mu       sync.Mutex
	requests []genai.Request
}

// ReplyWith returns a completer that always answers text in one round.
func ReplyWith(text string) *ScriptedCompleter {
	return &ScriptedCompleter{Respond: func(int, genai.Request) (*genai.Response, error) {
		return &genai.Response{Model: "scripted", StopReason: genai.StopEndTurn, Blocks: []genai.Block{genai.TextBlock(text)}}, nil
	}}
}

func (s *ScriptedCompleter) Complete(_ context.Context, req genai.Request) (*genai.Response, error) {
	s.mu.Lock()
	cp := req
	cp.Messages = append([]genai.Turn(nil), req.Messages...)
	s.requests = append(s.requests, cp)
	call := len(s.requests)
	s.mu.Unlock()
	return s.Respond(call, req)
}

func (s *ScriptedCompleter) Model() string { return "scripted" }

// Requests returns the recorded requests.
func (s *ScriptedCompleter) Requests() []genai.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]genai.Request(nil), s.requests...)
}

// TwilioSignature computes the X-Twilio-Signature value: HMAC-SHA1 over the
// full URL followed by the sorted POST parameters, base64 encoded.
func TwilioSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// InboundForm builds the form fields the SMS gateway posts.
func InboundForm(from, body, messageSID string) url.Values {
	return url.Values{
		"From":       {from},
		"To":         {"+15550001111"},
		"Body":       {body},
		"MessageSid": {messageSID},
		"NumMedia":   {"0"},
	}
}

// NewFormRequest builds a form-encoded POST, signed when authToken is set.
func NewFormRequest(target string, form url.Values, authToken string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if authToken != "" {
		req.Header.Set("X-Twilio-Signature", TwilioSignature(authToken, target, form))
	}
	return req
}

// AssertHTTPStatus checks the HTTP status code.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an envelope response and checks its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
		return response
	}
	if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// MustUnmarshalJSON unmarshals data into target and fails the test on error.
func MustUnmarshalJSON(t TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
