package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/google/uuid"
)

// SeedCustomer is one customer record in a seed file.
type SeedCustomer struct {
	models.CustomerProfile
	Pets     []models.Pet          `json:"pets"`
	Bookings []models.Booking      `json:"bookings"`
	Wallet   *models.WalletSummary `json:"wallet,omitempty"`
}

// Seed is the on-disk format read by LoadSeedFile.
type Seed struct {
	Customers []SeedCustomer `json:"customers"`
}

// MemoryDirectory serves records from memory. It backs local runs and tests.
type MemoryDirectory struct {
	mu          sync.RWMutex
	byPhone     map[string]string
	customers   map[string]*SeedCustomer
	reschedules []models.RescheduleRequest
	callbacks   []models.CallbackRequest
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory builds a directory from seed data.
func NewMemoryDirectory(seed Seed) *MemoryDirectory {
	d := &MemoryDirectory{
		byPhone:   make(map[string]string),
		customers: make(map[string]*SeedCustomer),
	}
	for i := range seed.Customers {
		c := seed.Customers[i]
		d.customers[c.ID] = &c
		if c.Phone != "" {
			d.byPhone[c.Phone] = c.ID
		}
	}
	return d
}

// LoadSeedFile reads a JSON seed file.
func LoadSeedFile(path string) (*MemoryDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("directory: decode seed file: %w", err)
	}
	return NewMemoryDirectory(seed), nil
}

func (d *MemoryDirectory) CustomerByPhone(_ context.Context, phone string) (*models.CustomerProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byPhone[phone]
	if !ok {
		return nil, nil
	}
	c := d.customers[id].CustomerProfile
	return &c, nil
}

func (d *MemoryDirectory) PetsForCustomer(_ context.Context, customerID string) ([]models.Pet, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.customers[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]models.Pet(nil), c.Pets...), nil
}

func (d *MemoryDirectory) BookingsForCustomer(_ context.Context, customerID string, from, to time.Time, limit int) ([]models.Booking, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.customers[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []models.Booking
	for _, b := range c.Bookings {
		if b.StartsAt.Before(from) || b.StartsAt.After(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *MemoryDirectory) WalletForCustomer(_ context.Context, customerID string) (*models.WalletSummary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.customers[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Wallet == nil {
		return nil, nil
	}
	w := *c.Wallet
	return &w, nil
}

func (d *MemoryDirectory) RequestReschedule(_ context.Context, req models.RescheduleRequest) (models.RescheduleRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.customers[req.CustomerID]
	if !ok {
		return models.RescheduleRequest{}, ErrNotFound
	}
	owned := false
	for _, b := range c.Bookings {
		if b.ID == req.BookingID {
			owned = true
			break
		}
	}
	if !owned {
		if d.bookingExists(req.BookingID) {
			return models.RescheduleRequest{}, ErrForbidden
		}
		return models.RescheduleRequest{}, ErrNotFound
	}
	req.ID = "rr_" + uuid.NewString()
	req.Status = "pending"
	req.CreatedAt = time.Now().UTC()
	d.reschedules = append(d.reschedules, req)
	return req, nil
}

func (d *MemoryDirectory) bookingExists(id string) bool {
	for _, c := range d.customers {
		for _, b := range c.Bookings {
			if b.ID == id {
				return true
			}
		}
	}
	return false
}

func (d *MemoryDirectory) RequestCallback(_ context.Context, req models.CallbackRequest) (models.CallbackRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req.ID = "cb_" + uuid.NewString()
	req.CreatedAt = time.Now().UTC()
	d.callbacks = append(d.callbacks, req)
	return req, nil
}

// RescheduleRequests returns the requests filed so far.
func (d *MemoryDirectory) RescheduleRequests() []models.RescheduleRequest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.RescheduleRequest(nil), d.reschedules...)
}

// CallbackRequests returns the callbacks filed so far.
func (d *MemoryDirectory) CallbackRequests() []models.CallbackRequest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]models.CallbackRequest(nil), d.callbacks...)
}
