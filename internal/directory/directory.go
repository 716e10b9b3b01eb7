// Package directory is the read/write boundary to the existing customer, pet,
// booking and wallet records. The assistant never owns that data; it only
// reads it and files requests that staff act on.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/PawPipe/internal/models"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("directory: not found")
	// ErrForbidden is returned when a record belongs to another customer.
	ErrForbidden = errors.New("directory: record belongs to another customer")
)

// Directory resolves customers and their pets, bookings and wallet.
type Directory interface {
	// CustomerByPhone returns nil without error when the number is unknown.
	CustomerByPhone(ctx context.Context, phone string) (*models.CustomerProfile, error)
	PetsForCustomer(ctx context.Context, customerID string) ([]models.Pet, error)
	// BookingsForCustomer returns bookings starting within [from, to], earliest
	// first, at most limit (0 means no limit).
	BookingsForCustomer(ctx context.Context, customerID string, from, to time.Time, limit int) ([]models.Booking, error)
	// WalletForCustomer returns nil without error when the customer has no wallet.
	WalletForCustomer(ctx context.Context, customerID string) (*models.WalletSummary, error)
	RequestReschedule(ctx context.Context, req models.RescheduleRequest) (models.RescheduleRequest, error)
	RequestCallback(ctx context.Context, req models.CallbackRequest) (models.CallbackRequest, error)
}
