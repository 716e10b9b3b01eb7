package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/PawPipe/internal/directory"
	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/BTreeMap/PawPipe/internal/store"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func seededDirectory() *directory.MemoryDirectory {
	var bookings []models.Booking
	for i := -40; i <= 80; i += 5 {
		start := now.Add(time.Duration(i) * 24 * time.Hour)
		bookings = append(bookings, models.Booking{ID: fmt.Sprintf("bk_%d", i), Service: "daycare", StartsAt: start, EndsAt: start.Add(8 * time.Hour)})
	}
	return directory.NewMemoryDirectory(directory.Seed{Customers: []directory.SeedCustomer{{
		CustomerProfile: models.CustomerProfile{ID: "cus_1", FirstName: "Dana", Phone: "+15551230001"},
		Pets:            []models.Pet{{ID: "pet_1", Name: "Biscuit", Species: "dog"}},
		Bookings:        bookings,
		Wallet:          &models.WalletSummary{PointsBalance: 10},
	}}})
}

func TestBuildKnownCustomer(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	conv, err := st.FindOrCreateConversation(ctx, "+15551230001", "cus_1")
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	for i := 0; i < 25; i++ {
		if _, err := st.AppendMessage(ctx, models.Message{ConversationID: conv.ID, Role: models.MessageRoleCustomer, Content: "hi"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	b := New(seededDirectory(), st, WithNow(func() time.Time { return now }))
	snap := b.Build(ctx, "+15551230001")

	if !snap.IsKnownCustomer() || snap.CustomerID() != "cus_1" {
		t.Fatalf("expected customer cus_1, got %+v", snap.Customer)
	}
	if len(snap.Pets) != 1 {
		t.Fatalf("expected 1 pet, got %d", len(snap.Pets))
	}
	if len(snap.Bookings) != DefaultMaxBookings {
		t.Fatalf("expected %d bookings, got %d", DefaultMaxBookings, len(snap.Bookings))
	}
	for _, bk := range snap.Bookings {
		if bk.StartsAt.Before(now.Add(-DefaultBookingsBack)) || bk.StartsAt.After(now.Add(DefaultBookingsAhead)) {
			t.Fatalf("booking %s outside window", bk.ID)
		}
	}
	if snap.Wallet == nil || snap.Wallet.PointsBalance != 10 {
		t.Fatalf("unexpected wallet %+v", snap.Wallet)
	}
	if len(snap.History) != DefaultHistoryLimit {
		t.Fatalf("expected %d history messages, got %d", DefaultHistoryLimit, len(snap.History))
	}
}

func TestBuildUnknownNumber(t *testing.T) {
	b := New(seededDirectory(), store.NewInMemoryStore())
	snap := b.Build(context.Background(), "+15559999999")
	if snap.IsKnownCustomer() {
		t.Fatal("expected unknown customer")
	}
	if snap.PhoneNumber != "+15559999999" {
		t.Fatalf("phone not carried into snapshot: %q", snap.PhoneNumber)
	}
	if snap.Pets == nil || snap.Bookings == nil || snap.History == nil {
		t.Fatal("sections must be empty slices, not nil")
	}
}

type failingDirectory struct {
	*directory.MemoryDirectory
	calls atomic.Int32
}

func (f *failingDirectory) PetsForCustomer(context.Context, string) ([]models.Pet, error) {
	f.calls.Add(1)
	return nil, errors.New("pets service down")
}

func (f *failingDirectory) WalletForCustomer(context.Context, string) (*models.WalletSummary, error) {
	f.calls.Add(1)
	return nil, errors.New("wallet service down")
}

func TestBuildToleratesPartialFailures(t *testing.T) {
	dir := &failingDirectory{MemoryDirectory: seededDirectory()}
	b := New(dir, nil, WithNow(func() time.Time { return now }))
	snap := b.Build(context.Background(), "+15551230001")
	if dir.calls.Load() != 2 {
		t.Fatalf("expected both failing lookups to be attempted, got %d", dir.calls.Load())
	}
	if snap.CustomerID() != "cus_1" {
		t.Fatal("customer should still resolve")
	}
	if len(snap.Pets) != 0 || snap.Wallet != nil {
		t.Fatal("failed sections should be empty")
	}
	if len(snap.Bookings) == 0 {
		t.Fatal("bookings should still be fetched")
	}
}

func TestBuildWithoutCollaborators(t *testing.T) {
	snap := New(nil, nil).Build(context.Background(), "+15551230001")
	if snap.IsKnownCustomer() || len(snap.History) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestBuildKeepsUpcomingBookingsForBusyCustomers(t *testing.T) {
	var bookings []models.Booking
	for i := 1; i <= 20; i++ {
		start := now.Add(-time.Duration(i) * 24 * time.Hour)
		bookings = append(bookings, models.Booking{ID: fmt.Sprintf("past-%d", i), Service: "daycare", StartsAt: start})
	}
	bookings = append(bookings, models.Booking{ID: "upcoming", Service: "grooming", StartsAt: now.Add(48 * time.Hour)})
	dir := directory.NewMemoryDirectory(directory.Seed{Customers: []directory.SeedCustomer{{
		CustomerProfile: models.CustomerProfile{ID: "cus_busy", FirstName: "Sam", Phone: "+15551230002"},
		Bookings:        bookings,
	}}})

	snap := New(dir, nil, WithNow(func() time.Time { return now })).Build(context.Background(), "+15551230002")

	if len(snap.Bookings) != DefaultMaxBookings {
		t.Fatalf("expected %d bookings, got %d", DefaultMaxBookings, len(snap.Bookings))
	}
	last := snap.Bookings[len(snap.Bookings)-1]
	if last.ID != "upcoming" {
		t.Fatalf("upcoming booking missing, got last=%s", last.ID)
	}
	// The past slots go to the most recent visits, oldest first.
	if first := snap.Bookings[0]; first.ID != "past-9" {
		t.Fatalf("expected past-9 first, got %s", first.ID)
	}
	for i := 1; i < len(snap.Bookings); i++ {
		if snap.Bookings[i].StartsAt.Before(snap.Bookings[i-1].StartsAt) {
			t.Fatalf("bookings not chronological at %d", i)
		}
	}
}
