// Package contextbuilder assembles the per-message snapshot of who is texting
// and what we know about them.
package contextbuilder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PawPipe/internal/directory"
	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/util"
)

const (
	DefaultBookingsBack  = 30 * 24 * time.Hour
	DefaultBookingsAhead = 60 * 24 * time.Hour
	DefaultMaxBookings   = 10
	DefaultHistoryLimit  = 20
)

// HistorySource returns recent messages of the active conversation for a phone number.
type HistorySource interface {
	RecentMessagesByPhone(ctx context.Context, phone string, limit int) ([]models.Message, error)
}

// Opts configures a Builder.
type Opts struct {
	BookingsBack  time.Duration
	BookingsAhead time.Duration
	MaxBookings   int
	HistoryLimit  int
	Now           func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithBookingWindow sets how far back and ahead bookings are fetched.
func WithBookingWindow(back, ahead time.Duration) Option {
	return func(o *Opts) {
		o.BookingsBack = back
		o.BookingsAhead = ahead
	}
}

// WithMaxBookings caps the number of bookings in the snapshot.
func WithMaxBookings(n int) Option {
	return func(o *Opts) {
		o.MaxBookings = n
	}
}

// WithHistoryLimit caps the number of history messages in the snapshot.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Builder builds context snapshots.
type Builder struct {
	dir     directory.Directory
	history HistorySource
	opts    Opts
}

// New creates a Builder. Either collaborator may be nil; the matching sections
// of the snapshot are then left empty.
func New(dir directory.Directory, history HistorySource, opts ...Option) *Builder {
	cfg := Opts{
		BookingsBack:  DefaultBookingsBack,
		BookingsAhead: DefaultBookingsAhead,
		MaxBookings:   DefaultMaxBookings,
		HistoryLimit:  DefaultHistoryLimit,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Builder{dir: dir, history: history, opts: cfg}
}

// Build resolves the customer for phone, then fetches pets, bookings, wallet
// and history concurrently. It always returns a snapshot: failed lookups are
// logged and leave their section empty.
func (b *Builder) Build(ctx context.Context, phone string) models.ContextSnapshot {
	now := b.opts.Now()
	snap := models.ContextSnapshot{
		PhoneNumber: phone,
		Pets:        []models.Pet{},
		Bookings:    []models.Booking{},
		History:     []models.Message{},
		BuiltAt:     now.UTC(),
	}
	masked := util.MaskPhoneNumber(phone)

	if b.dir != nil {
		c, err := b.dir.CustomerByPhone(ctx, phone)
		if err != nil {
			slog.Warn("Builder.Build: customer lookup failed", "phone", masked, "error", err)
		}
		snap.Customer = c
	}
	customerID := snap.CustomerID()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if customerID != "" {
		run(func() {
			pets, err := b.dir.PetsForCustomer(ctx, customerID)
			if err != nil {
				slog.Warn("Builder.Build: pets lookup failed", "customerID", customerID, "error", err)
				return
			}
			if pets != nil {
				snap.Pets = pets
			}
		})
		run(func() {
			if bookings := b.bookings(ctx, customerID, now); bookings != nil {
				snap.Bookings = bookings
			}
		})
		run(func() {
			w, err := b.dir.WalletForCustomer(ctx, customerID)
			if err != nil {
				slog.Warn("Builder.Build: wallet lookup failed", "customerID", customerID, "error", err)
				return
			}
			snap.Wallet = w
		})
	}
	if b.history != nil {
		run(func() {
			msgs, err := b.history.RecentMessagesByPhone(ctx, phone, b.opts.HistoryLimit)
			if err != nil {
				slog.Warn("Builder.Build: history lookup failed", "phone", masked, "error", err)
				return
			}
			if msgs != nil {
				snap.History = msgs
			}
		})
	}
	wg.Wait()

	slog.Debug("Builder.Build: snapshot ready",
		"phone", masked,
		"customerID", customerID,
		"pets", len(snap.Pets),
		"bookings", len(snap.Bookings),
		"hasWallet", snap.Wallet != nil,
		"history", len(snap.History),
		"duration", time.Since(now))
	return snap
}

// bookings returns up to MaxBookings bookings in chronological order. Upcoming
// bookings take the slots first; the rest go to the most recent past ones.
func (b *Builder) bookings(ctx context.Context, customerID string, now time.Time) []models.Booking {
	limit := b.opts.MaxBookings
	upcoming, err := b.dir.BookingsForCustomer(ctx, customerID, now, now.Add(b.opts.BookingsAhead), limit)
	if err != nil {
		slog.Warn("Builder.bookings: upcoming lookup failed", "customerID", customerID, "error", err)
	}
	if limit > 0 && len(upcoming) > limit {
		upcoming = upcoming[:limit]
	}
	if limit > 0 && len(upcoming) == limit {
		return upcoming
	}

	// Past lookups come back earliest first, so fetch them all and keep the tail.
	recent, perr := b.dir.BookingsForCustomer(ctx, customerID, now.Add(-b.opts.BookingsBack), now.Add(-time.Nanosecond), 0)
	if perr != nil {
		slog.Warn("Builder.bookings: recent lookup failed", "customerID", customerID, "error", perr)
	}
	if limit > 0 && len(recent) > limit-len(upcoming) {
		recent = recent[len(recent)-(limit-len(upcoming)):]
	}
	if err != nil && perr != nil {
		return nil
	}
	out := make([]models.Booking, 0, len(recent)+len(upcoming))
	out = append(out, recent...)
	return append(out, upcoming...)
}
