package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PawPipe/internal/business"
	"github.com/BTreeMap/PawPipe/internal/models"
)

func TestBuildSystemPromptKnownCustomer(t *testing.T) {
	snap := models.ContextSnapshot{
		Customer: &models.CustomerProfile{ID: "cus_1", FirstName: "Dana", LastName: "Lee"},
		Pets:     []models.Pet{{Name: "Biscuit", Species: "dog", VaccinationsCurrent: false}},
		Bookings: []models.Booking{{ID: "bk_1", Service: "boarding", StartsAt: time.Date(2026, 4, 3, 14, 0, 0, 0, time.UTC), Status: models.BookingStatusConfirmed}},
		Wallet:   &models.WalletSummary{PointsBalance: 120, CreditCents: 1505},
	}
	p := BuildSystemPrompt(business.Default(), snap, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	for _, want := range []string{"Dana Lee", "cus_1", "Biscuit", "NOT current", "bk_1", "120 points", "$15.05", "Monday:"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestBuildSystemPromptUnknownCustomer(t *testing.T) {
	p := BuildSystemPrompt(business.Default(), models.ContextSnapshot{PhoneNumber: "+15550000000"}, time.Now())
	if !strings.Contains(p, "not linked to an account") {
		t.Fatalf("expected unknown-customer guidance:\n%s", p)
	}
	if strings.Contains(p, "Pets:") {
		t.Fatal("unknown customer prompt should not list pets")
	}
}
