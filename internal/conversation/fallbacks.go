package conversation

import "github.com/BTreeMap/PawPipe/internal/business"

// Fallback names the static reply used when the model did not produce one.
type Fallback string

const (
	FallbackNone      Fallback = ""
	FallbackOffline   Fallback = "offline"
	FallbackThrottled Fallback = "throttled"
	FallbackMaxRounds Fallback = "max_rounds"
	FallbackError     Fallback = "error"
	FallbackEmpty     Fallback = "empty"
)

// Replies holds the static texts. Zero fields take the defaults from DefaultReplies.
type Replies struct {
	Offline   string
	Throttled string
	MaxRounds string
	Error     string
	Empty     string
}

// DefaultReplies builds the standard static texts for a business.
func DefaultReplies(p business.Profile) Replies {
	contact := p.HumanContact()
	return Replies{
		Offline:   "Thanks for your message! Our text assistant is offline right now. Please contact " + contact + " and we'll be happy to help.",
		Throttled: "You're sending messages faster than we can keep up. Please wait a little while and try again, or contact " + contact + ".",
		MaxRounds: "I'm still working on that one. For a quicker answer, please contact " + contact + ".",
		Error:     "Sorry, something went wrong on our end. Please try again shortly or contact " + contact + ".",
		Empty:     "Sorry, I didn't catch that. Could you say it another way?",
	}
}

func (r Replies) withDefaults(p business.Profile) Replies {
	d := DefaultReplies(p)
	if r.Offline == "" {
		r.Offline = d.Offline
	}
	if r.Throttled == "" {
		r.Throttled = d.Throttled
	}
	if r.MaxRounds == "" {
		r.MaxRounds = d.MaxRounds
	}
	if r.Error == "" {
		r.Error = d.Error
	}
	if r.Empty == "" {
		r.Empty = d.Empty
	}
	return r
}

func (r Replies) text(f Fallback) string {
	switch f {
	case FallbackOffline:
		return r.Offline
	case FallbackThrottled:
		return r.Throttled
	case FallbackMaxRounds:
		return r.MaxRounds
	case FallbackEmpty:
		return r.Empty
	default:
		return r.Error
	}
}
