package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/PawPipe/internal/models"
	"github.com/go-resty/resty/v2"
)

// DefaultHTTPTimeout bounds each call to the records API.
const DefaultHTTPTimeout = 5 * time.Second

// HTTPDirectory talks to the records REST API.
type HTTPDirectory struct {
	client *resty.Client
}

var _ Directory = (*HTTPDirectory)(nil)

// NewHTTPDirectory creates a client for baseURL authenticated with a bearer token.
func NewHTTPDirectory(baseURL, token string, timeout time.Duration) (*HTTPDirectory, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("directory: base URL must not be empty")
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(1)
	if token != "" {
		client.SetAuthToken(token)
	}
	slog.Debug("directory.NewHTTPDirectory: client created", "base_url", baseURL, "token_set", token != "")
	return &HTTPDirectory{client: client}, nil
}

// get fetches path into out. A 404 reports found=false without error.
func (d *HTTPDirectory) get(ctx context.Context, path string, query map[string]string, out any) (bool, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		ForceContentType("application/json").
		SetResult(out).
		Get(path)
	if err != nil {
		return false, fmt.Errorf("directory: GET %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, fmt.Errorf("directory: GET %s: status %d", path, resp.StatusCode())
	}
	return true, nil
}

func (d *HTTPDirectory) post(ctx context.Context, path string, body, out any) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		ForceContentType("application/json").
		SetResult(out).
		Post(path)
	if err != nil {
		return fmt.Errorf("directory: POST %s: %w", path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode() == http.StatusForbidden:
		return ErrForbidden
	case resp.IsError():
		return fmt.Errorf("directory: POST %s: status %d", path, resp.StatusCode())
	}
	return nil
}

func (d *HTTPDirectory) CustomerByPhone(ctx context.Context, phone string) (*models.CustomerProfile, error) {
	var c models.CustomerProfile
	found, err := d.get(ctx, "/customers/lookup", map[string]string{"phone": phone}, &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (d *HTTPDirectory) PetsForCustomer(ctx context.Context, customerID string) ([]models.Pet, error) {
	var pets []models.Pet
	if _, err := d.get(ctx, "/customers/"+customerID+"/pets", nil, &pets); err != nil {
		return nil, err
	}
	return pets, nil
}

func (d *HTTPDirectory) BookingsForCustomer(ctx context.Context, customerID string, from, to time.Time, limit int) ([]models.Booking, error) {
	query := map[string]string{
		"from": from.UTC().Format(time.RFC3339),
		"to":   to.UTC().Format(time.RFC3339),
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var bookings []models.Booking
	if _, err := d.get(ctx, "/customers/"+customerID+"/bookings", query, &bookings); err != nil {
		return nil, err
	}
	if limit > 0 && len(bookings) > limit {
		bookings = bookings[:limit]
	}
	return bookings, nil
}

func (d *HTTPDirectory) WalletForCustomer(ctx context.Context, customerID string) (*models.WalletSummary, error) {
	var w models.WalletSummary
	found, err := d.get(ctx, "/customers/"+customerID+"/wallet", nil, &w)
	if err != nil || !found {
		return nil, err
	}
	return &w, nil
}

func (d *HTTPDirectory) RequestReschedule(ctx context.Context, req models.RescheduleRequest) (models.RescheduleRequest, error) {
	var out models.RescheduleRequest
	if err := d.post(ctx, "/bookings/"+req.BookingID+"/reschedule-requests", req, &out); err != nil {
		return models.RescheduleRequest{}, err
	}
	return out, nil
}

func (d *HTTPDirectory) RequestCallback(ctx context.Context, req models.CallbackRequest) (models.CallbackRequest, error) {
	var out models.CallbackRequest
	if err := d.post(ctx, "/callback-requests", req, &out); err != nil {
		return models.CallbackRequest{}, err
	}
	return out, nil
}
