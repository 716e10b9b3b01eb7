// Package twiml renders replies in the XML dialect the SMS gateway expects in a
// webhook response body.
package twiml

import (
	"log/slog"

	twiliotwiml "github.com/twilio/twilio-go/twiml"
)

// MaxMessageRunes is the longest body the gateway accepts for one message.
const MaxMessageRunes = 1600

// ContentType is the media type of a TwiML response.
const ContentType = "text/xml; charset=utf-8"

// emptyFallback is served if the builder ever fails on an empty document.
const emptyFallback = `<?xml version="1.0" encoding="UTF-8"?><Response/>`

// Empty is a response that sends nothing back to the customer.
var Empty = render(nil)

// MessageResponse wraps text in a single <Message> element. Text is escaped and
// truncated to MaxMessageRunes; empty text yields Empty.
func MessageResponse(text string) string {
	if text == "" {
		return Empty
	}
	return render([]twiliotwiml.Element{&twiliotwiml.MessagingMessage{Body: Truncate(text, MaxMessageRunes)}})
}

func render(verbs []twiliotwiml.Element) string {
	out, err := twiliotwiml.Messages(verbs)
	if err != nil {
		slog.Error("twiml.render: build failed", "verbs", len(verbs), "error", err)
		return emptyFallback
	}
	return out
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
