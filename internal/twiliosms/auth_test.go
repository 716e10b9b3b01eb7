package twiliosms

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

const testAuthToken = "12345"

// sign computes the gateway signature: HMAC-SHA1 over the URL followed by the
// sorted key/value pairs, base64 encoded.
func sign(token, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newWebhookRequest(t *testing.T, form url.Values, signature string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://sms.example.com/webhooks/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	if err := req.ParseForm(); err != nil {
		t.Fatalf("parse form: %v", err)
	}
	return req
}

func TestAuthenticator_Verify(t *testing.T) {
	a := NewAuthenticator(testAuthToken, PolicyEnforce, "")
	params := map[string]string{"From": "+15551234567", "Body": "hi", "MessageSid": "SM1"}
	u := "https://sms.example.com/webhooks/sms"

	if !a.Verify(u, params, sign(testAuthToken, u, params)) {
		t.Error("expected valid signature to verify")
	}
	if a.Verify(u, params, sign("wrong", u, params)) {
		t.Error("expected signature from another token to fail")
	}
	if a.Verify(u, params, "") {
		t.Error("expected missing signature to fail")
	}
	tampered := map[string]string{"From": "+15551234567", "Body": "hello", "MessageSid": "SM1"}
	if a.Verify(u, tampered, sign(testAuthToken, u, params)) {
		t.Error("expected tampered params to fail")
	}
}

func TestAuthenticator_AllowPolicies(t *testing.T) {
	form := url.Values{"From": {"+15551234567"}, "Body": {"hi"}, "MessageSid": {"SM1"}}
	good := sign(testAuthToken, "https://sms.example.com/webhooks/sms", FormParams(newWebhookRequest(t, form, "")))

	enforce := NewAuthenticator(testAuthToken, PolicyEnforce, "https://sms.example.com")
	if !enforce.Allow(newWebhookRequest(t, form, good)) {
		t.Error("enforce: valid request should be allowed")
	}
	if enforce.Allow(newWebhookRequest(t, form, "bogus")) {
		t.Error("enforce: invalid request should be rejected")
	}

	logOnly := NewAuthenticator(testAuthToken, PolicyLogOnly, "https://sms.example.com")
	if !logOnly.Allow(newWebhookRequest(t, form, "bogus")) {
		t.Error("log-only: invalid request should still be allowed")
	}

	disabled := NewAuthenticator("", PolicyEnforce, "")
	if disabled.Enabled() || !disabled.Allow(newWebhookRequest(t, form, "")) {
		t.Error("without a token every request should be allowed")
	}
}

func TestAuthenticator_RequestURL(t *testing.T) {
	a := NewAuthenticator(testAuthToken, PolicyLogOnly, "")
	req := httptest.NewRequest(http.MethodPost, "http://internal:8080/webhooks/sms?x=1", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "sms.example.com")
	if got := a.RequestURL(req); got != "https://sms.example.com/webhooks/sms?x=1" {
		t.Errorf("unexpected forwarded URL %q", got)
	}

	withBase := NewAuthenticator(testAuthToken, PolicyLogOnly, "https://public.example.com/")
	if got := withBase.RequestURL(req); got != "https://public.example.com/webhooks/sms?x=1" {
		t.Errorf("unexpected public base URL %q", got)
	}
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{"": PolicyLogOnly, "log-only": PolicyLogOnly, "ENFORCE": PolicyEnforce}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("strict"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
