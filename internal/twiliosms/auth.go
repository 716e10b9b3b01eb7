package twiliosms

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the gateway's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Policy decides what happens when a webhook signature does not verify.
type Policy string

const (
	// PolicyLogOnly logs a mismatch and lets the request through.
	PolicyLogOnly Policy = "log-only"
	// PolicyEnforce rejects a mismatched request.
	PolicyEnforce Policy = "enforce"
)

// ParsePolicy maps a configuration value to a Policy. Empty means PolicyLogOnly.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyLogOnly:
		return PolicyLogOnly, nil
	case PolicyEnforce:
		return PolicyEnforce, nil
	default:
		return "", fmt.Errorf("unknown signature policy %q (want %q or %q)", s, PolicyLogOnly, PolicyEnforce)
	}
}

// Authenticator checks that webhook requests were signed with the account auth token.
type Authenticator struct {
	validator     client.RequestValidator
	enabled       bool
	policy        Policy
	publicBaseURL string
}

// NewAuthenticator builds an Authenticator. With an empty authToken verification
// is disabled and every request is accepted. publicBaseURL, when set, replaces
// scheme and host of the request URL before signing (for reverse proxies).
func NewAuthenticator(authToken string, policy Policy, publicBaseURL string) *Authenticator {
	if policy == "" {
		policy = PolicyLogOnly
	}
	a := &Authenticator{
		enabled:       authToken != "",
		policy:        policy,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
	if a.enabled {
		a.validator = client.NewRequestValidator(authToken)
	} else {
		slog.Warn("Authenticator: no auth token configured, webhook signatures will not be verified")
	}
	return a
}

// Policy returns the configured mismatch policy.
func (a *Authenticator) Policy() Policy {
	return a.policy
}

// Enabled reports whether signatures are checked at all.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Verify reports whether signature matches fullURL and params.
func (a *Authenticator) Verify(fullURL string, params map[string]string, signature string) bool {
	if !a.enabled {
		return true
	}
	if signature == "" {
		return false
	}
	return a.validator.Validate(fullURL, params, signature)
}

// Allow verifies an already-parsed form request and applies the policy.
// It returns false only when the request must be rejected.
func (a *Authenticator) Allow(r *http.Request) bool {
	if !a.enabled {
		return true
	}
	fullURL := a.RequestURL(r)
	if a.Verify(fullURL, FormParams(r), r.Header.Get(SignatureHeader)) {
		return true
	}
	if a.policy == PolicyEnforce {
		slog.Warn("Authenticator.Allow: signature mismatch, rejecting", "url", fullURL)
		return false
	}
	slog.Warn("Authenticator.Allow: signature mismatch, continuing (log-only)", "url", fullURL)
	return true
}

// RequestURL reconstructs the URL the gateway signed.
func (a *Authenticator) RequestURL(r *http.Request) string {
	if a.publicBaseURL != "" {
		return a.publicBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// FormParams flattens the POST form into the single-valued map the signature covers.
func FormParams(r *http.Request) map[string]string {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}
