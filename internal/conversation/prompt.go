package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/PawPipe/internal/business"
	"github.com/BTreeMap/PawPipe/internal/models"
)

const promptTimeLayout = "Mon Jan 2 2006 15:04 MST"

// BuildSystemPrompt renders the instructions and customer context for one turn.
func BuildSystemPrompt(profile business.Profile, snap models.ContextSnapshot, now time.Time) string {
	loc := profile.Location()
	var b strings.Builder

	name := profile.AssistantTag
	if name == "" {
		name = "the assistant"
	}
	fmt.Fprintf(&b, "You are %s, the text-message assistant for %s, a pet daycare, boarding and grooming business.\n", name, profile.Name)
	b.WriteString("Replies go out as SMS: keep them short, friendly and plain text. No markdown, no lists longer than a few lines.\n")
	b.WriteString("Use the tools to look up facts. Never invent bookings, balances, prices or policies.\n")
	b.WriteString("Reschedules and callbacks are requests that staff confirm; say so instead of promising a change.\n")
	fmt.Fprintf(&b, "If you cannot help, offer a callback or point the customer to %s.\n\n", profile.HumanContact())

	fmt.Fprintf(&b, "Current time: %s\n", now.In(loc).Format(promptTimeLayout))
	b.WriteString("Opening hours:\n")
	b.WriteString(profile.HoursSummary())
	b.WriteString("\n\n")

	if !snap.IsKnownCustomer() {
		b.WriteString("Customer: this phone number is not linked to an account. Customer-specific tools will fail. ")
		b.WriteString("Answer general questions, and if they want account help or to sign up, file a callback request.\n")
		return b.String()
	}

	c := snap.Customer
	fmt.Fprintf(&b, "Customer: %s (id %s", c.DisplayName(), c.ID)
	if c.Tier != "" {
		fmt.Fprintf(&b, ", %s tier", c.Tier)
	}
	b.WriteString(")\n")

	if len(snap.Pets) > 0 {
		b.WriteString("Pets:\n")
		for _, p := range snap.Pets {
			vax := "vaccinations current"
			if !p.VaccinationsCurrent {
				vax = "vaccinations NOT current"
			}
			fmt.Fprintf(&b, "- %s (%s", p.Name, p.Species)
			if p.Breed != "" {
				fmt.Fprintf(&b, ", %s", p.Breed)
			}
			fmt.Fprintf(&b, "), %s\n", vax)
		}
	}

	if len(snap.Bookings) > 0 {
		b.WriteString("Bookings near today:\n")
		for _, bk := range snap.Bookings {
			fmt.Fprintf(&b, "- %s %s %s", bk.ID, bk.Service, bk.StartsAt.In(loc).Format(promptTimeLayout))
			if bk.PetName != "" {
				fmt.Fprintf(&b, " for %s", bk.PetName)
			}
			fmt.Fprintf(&b, " [%s]\n", bk.Status)
		}
	}

	if w := snap.Wallet; w != nil {
		fmt.Fprintf(&b, "Wallet: %d points, $%d.%02d credit, %d rewards available\n",
			w.PointsBalance, w.CreditCents/100, w.CreditCents%100, w.RewardsAvailable)
	}
	return b.String()
}
