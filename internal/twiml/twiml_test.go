package twiml

import (
	"encoding/xml"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMessageResponse_Escapes(t *testing.T) {
	out := MessageResponse(`Rex & Bella <3 "grooming"`)
	if !strings.HasPrefix(out, "<?xml") {
		t.Errorf("missing XML header: %s", out)
	}
	if strings.Contains(out, "<3") || strings.Contains(out, "& ") {
		t.Errorf("body was not escaped: %s", out)
	}

	var parsed struct {
		Message string `xml:"Message"`
	}
	if err := xml.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("output is not valid XML: %v", err)
	}
	if parsed.Message != `Rex & Bella <3 "grooming"` {
		t.Errorf("round trip mismatch: %q", parsed.Message)
	}
}

func TestMessageResponse_Empty(t *testing.T) {
	if got := MessageResponse(""); got != Empty {
		t.Errorf("expected empty response, got %s", got)
	}
	if strings.Contains(Empty, "<Message") || !strings.Contains(Empty, "Response") {
		t.Errorf("empty response should be a bare <Response>, got %s", Empty)
	}
}

func TestMessageResponse_Truncates(t *testing.T) {
	long := strings.Repeat("é", MaxMessageRunes+50)
	out := MessageResponse(long)
	var parsed struct {
		Message string `xml:"Message"`
	}
	if err := xml.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("invalid XML: %v", err)
	}
	if n := utf8.RuneCountInString(parsed.Message); n != MaxMessageRunes {
		t.Errorf("expected %d runes, got %d", MaxMessageRunes, n)
	}
}

func TestTruncate(t *testing.T) {
	if Truncate("hello", 10) != "hello" {
		t.Error("short string should be unchanged")
	}
	if Truncate("hello", 3) != "hel" {
		t.Error("expected truncation to 3 runes")
	}
	if Truncate("hello", 0) != "" {
		t.Error("non-positive limit should yield empty string")
	}
}
