package models

import "time"

// CustomerProfile is the identity resolved from a phone number.
type CustomerProfile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone"`
	Tier      string `json:"tier,omitempty"`
}

// DisplayName returns the name used when addressing the customer.
func (c *CustomerProfile) DisplayName() string {
	if c == nil {
		return ""
	}
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Pet is a pet registered to a customer.
type Pet struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Species             string `json:"species"`
	Breed               string `json:"breed,omitempty"`
	VaccinationsCurrent bool   `json:"vaccinations_current"`
}

// BookingStatus is the state of a daycare or boarding booking.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Booking is a scheduled daycare, boarding or grooming visit.
type Booking struct {
	ID       string        `json:"id"`
	PetID    string        `json:"pet_id"`
	PetName  string        `json:"pet_name,omitempty"`
	Service  string        `json:"service"`
	StartsAt time.Time     `json:"starts_at"`
	EndsAt   time.Time     `json:"ends_at"`
	Status   BookingStatus `json:"status"`
}

// WalletSummary is the customer's loyalty balance.
type WalletSummary struct {
	PointsBalance    int    `json:"points_balance"`
	CreditCents      int64  `json:"credit_cents"`
	Tier             string `json:"tier,omitempty"`
	RewardsAvailable int    `json:"rewards_available"`
}

// RescheduleRequest is a staff-reviewed request to move a booking.
type RescheduleRequest struct {
	ID             string    `json:"id"`
	BookingID      string    `json:"booking_id"`
	CustomerID     string    `json:"customer_id"`
	RequestedStart time.Time `json:"requested_start"`
	Note           string    `json:"note,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// CallbackRequest asks staff to call or text a customer back.
type CallbackRequest struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id,omitempty"`
	PhoneNumber string    `json:"phone_number"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContextSnapshot is the request-scoped aggregate assembled for each inbound message.
// It is never cached across requests.
type ContextSnapshot struct {
	PhoneNumber string           `json:"phone_number"`
	Customer    *CustomerProfile `json:"customer,omitempty"`
	Pets        []Pet            `json:"pets"`
	Bookings    []Booking        `json:"bookings"`
	Wallet      *WalletSummary   `json:"wallet,omitempty"`
	History     []Message        `json:"history"`
	BuiltAt     time.Time        `json:"built_at"`
}

// CustomerID returns the resolved customer id, or "" for unknown numbers.
func (s *ContextSnapshot) CustomerID() string {
	if s == nil || s.Customer == nil {
		return ""
	}
	return s.Customer.ID
}

// IsKnownCustomer reports whether the phone number matched a customer.
func (s *ContextSnapshot) IsKnownCustomer() bool {
	return s.CustomerID() != ""
}
