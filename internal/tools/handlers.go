package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/PawPipe/internal/directory"
	"github.com/BTreeMap/PawPipe/internal/models"
)

const (
	upcomingBookingWindow = 90 * 24 * time.Hour
	pastBookingWindow     = 180 * 24 * time.Hour
	defaultBookingLimit   = 5
	maxBookingLimit       = 20
	maxNoteLength         = 500
)

type noArgs struct{}

type businessInfoArgs struct {
	Topic string `json:"topic"`
}

func (a *businessInfoArgs) validate() error {
	switch a.Topic {
	case "", "all", "hours", "services", "policies", "contact":
		return nil
	}
	return fmt.Errorf("topic must be one of all, hours, services, policies, contact")
}

type listBookingsArgs struct {
	Scope string `json:"scope"`
	Limit int    `json:"limit"`
}

func (a *listBookingsArgs) validate() error {
	switch a.Scope {
	case "":
		a.Scope = "upcoming"
	case "upcoming", "past":
	default:
		return fmt.Errorf("scope must be upcoming or past")
	}
	if a.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if a.Limit == 0 {
		a.Limit = defaultBookingLimit
	}
	if a.Limit > maxBookingLimit {
		a.Limit = maxBookingLimit
	}
	return nil
}

type rescheduleArgs struct {
	BookingID      string `json:"booking_id"`
	RequestedStart string `json:"requested_start"`
	Note           string `json:"note"`

	start time.Time
}

func (a *rescheduleArgs) validate() error {
	if strings.TrimSpace(a.BookingID) == "" {
		return fmt.Errorf("booking_id is required")
	}
	t, err := time.Parse(time.RFC3339, a.RequestedStart)
	if err != nil {
		return fmt.Errorf("requested_start must be an RFC 3339 timestamp")
	}
	a.start = t
	a.Note = clip(a.Note, maxNoteLength)
	return nil
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

type callbackArgs struct {
	Reason string `json:"reason"`
}

func (a *callbackArgs) validate() error {
	a.Reason = strings.TrimSpace(a.Reason)
	if a.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	a.Reason = clip(a.Reason, maxNoteLength)
	return nil
}

func (e *Executor) getBusinessInfo(_ context.Context, _ Caller, args businessInfoArgs) (any, error) {
	p := e.profile
	out := map[string]any{"name": p.Name}
	topic := args.Topic
	if topic == "" {
		topic = "all"
	}
	if topic == "all" || topic == "hours" {
		out["timezone"] = p.Timezone
		out["hours"] = p.Hours
	}
	if topic == "all" || topic == "services" {
		out["services"] = p.Services
	}
	if topic == "all" || topic == "policies" {
		out["policies"] = p.Policies
	}
	if topic == "all" || topic == "contact" {
		out["phone"] = p.Phone
		out["email"] = p.Email
		out["address"] = p.Address
		out["website"] = p.Website
	}
	return out, nil
}

func (e *Executor) getCustomerProfile(ctx context.Context, caller Caller, _ noArgs) (any, error) {
	if err := requireCustomer(caller); err != nil {
		return nil, err
	}
	if err := e.requireDirectory(); err != nil {
		return nil, err
	}
	c, err := e.dir.CustomerByPhone(ctx, caller.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("look up customer: %w", err)
	}
	if c == nil || c.ID != caller.CustomerID {
		return nil, ErrUnidentifiedCaller
	}
	return c, nil
}

func (e *Executor) listPets(ctx context.Context, caller Caller, _ noArgs) (any, error) {
	if err := requireCustomer(caller); err != nil {
		return nil, err
	}
	if err := e.requireDirectory(); err != nil {
		return nil, err
	}
	pets, err := e.dir.PetsForCustomer(ctx, caller.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("list pets: %w", err)
	}
	if pets == nil {
		pets = []models.Pet{}
	}
	return map[string]any{"pets": pets}, nil
}

func (e *Executor) listBookings(ctx context.Context, caller Caller, args listBookingsArgs) (any, error) {
	if err := requireCustomer(caller); err != nil {
		return nil, err
	}
	if err := e.requireDirectory(); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	from, to := now, now.Add(upcomingBookingWindow)
	if args.Scope == "past" {
		from, to = now.Add(-pastBookingWindow), now
	}
	bookings, err := e.dir.BookingsForCustomer(ctx, caller.CustomerID, from, to, 0)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	if args.Scope == "past" {
		// most recent first
		for i, j := 0, len(bookings)-1; i < j; i, j = i+1, j-1 {
			bookings[i], bookings[j] = bookings[j], bookings[i]
		}
	}
	if len(bookings) > args.Limit {
		bookings = bookings[:args.Limit]
	}
	if bookings == nil {
		bookings = []models.Booking{}
	}
	return map[string]any{"scope": args.Scope, "bookings": bookings}, nil
}

func (e *Executor) getWalletBalance(ctx context.Context, caller Caller, _ noArgs) (any, error) {
	if err := requireCustomer(caller); err != nil {
		return nil, err
	}
	if err := e.requireDirectory(); err != nil {
		return nil, err
	}
	w, err := e.dir.WalletForCustomer(ctx, caller.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	if w == nil {
		return map[string]any{"wallet": nil, "note": "no wallet on file"}, nil
	}
	return map[string]any{"wallet": w}, nil
}

func (e *Executor) requestReschedule(ctx context.Context, caller Caller, args rescheduleArgs) (any, error) {
	if err := requireCustomer(caller); err != nil {
		return nil, err
	}
	if err := e.requireDirectory(); err != nil {
		return nil, err
	}
	if !args.start.After(e.now()) {
		return nil, fmt.Errorf("requested_start must be in the future")
	}
	req, err := e.dir.RequestReschedule(ctx, models.RescheduleRequest{
		BookingID:      args.BookingID,
		CustomerID:     caller.CustomerID,
		RequestedStart: args.start.UTC(),
		Note:           args.Note,
	})
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return nil, fmt.Errorf("booking %s was not found", args.BookingID)
	case errors.Is(err, directory.ErrForbidden):
		return nil, fmt.Errorf("booking %s is not on this customer's account", args.BookingID)
	case err != nil:
		return nil, fmt.Errorf("file reschedule request: %w", err)
	}
	return map[string]any{
		"request_id": req.ID,
		"status":     req.Status,
		"message":    "Reschedule request filed. Staff will confirm the new time by text.",
	}, nil
}

func (e *Executor) requestHumanCallback(ctx context.Context, caller Caller, args callbackArgs) (any, error) {
	if caller.PhoneNumber == "" && caller.CustomerID == "" {
		return nil, ErrUnidentifiedCaller
	}
	if err := e.requireDirectory(); err != nil {
		return nil, err
	}
	req, err := e.dir.RequestCallback(ctx, models.CallbackRequest{
		CustomerID:  caller.CustomerID,
		PhoneNumber: caller.PhoneNumber,
		Reason:      args.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("file callback request: %w", err)
	}
	return map[string]any{
		"request_id": req.ID,
		"message":    "A team member will reach out during business hours. Urgent matters: " + e.profile.HumanContact() + ".",
	}, nil
}
