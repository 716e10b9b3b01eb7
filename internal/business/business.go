// Package business holds the static facts about the pet-care business that the
// assistant may quote: hours, services, policies and contact details.
package business

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DayHours is the opening window for one weekday. Times are "HH:MM" in the
// business time zone.
type DayHours struct {
	Day    string `mapstructure:"day" json:"day"`
	Open   string `mapstructure:"open" json:"open,omitempty"`
	Close  string `mapstructure:"close" json:"close,omitempty"`
	Closed bool   `mapstructure:"closed" json:"closed,omitempty"`
}

// Service is something customers can book.
type Service struct {
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description,omitempty"`
	PriceFrom   string `mapstructure:"price_from" json:"price_from,omitempty"`
}

// Profile describes the business.
type Profile struct {
	Name         string     `mapstructure:"name" json:"name"`
	Timezone     string     `mapstructure:"timezone" json:"timezone"`
	Phone        string     `mapstructure:"phone" json:"phone"`
	Email        string     `mapstructure:"email" json:"email,omitempty"`
	Address      string     `mapstructure:"address" json:"address,omitempty"`
	Website      string     `mapstructure:"website" json:"website,omitempty"`
	Hours        []DayHours `mapstructure:"hours" json:"hours"`
	Services     []Service  `mapstructure:"services" json:"services"`
	Policies     []string   `mapstructure:"policies" json:"policies,omitempty"`
	AssistantTag string     `mapstructure:"assistant_name" json:"assistant_name,omitempty"`
}

// Default returns the profile used when no configuration file is given.
func Default() Profile {
	weekday := func(day string) DayHours { return DayHours{Day: day, Open: "07:00", Close: "19:00"} }
	return Profile{
		Name:     "PawPipe Pet Resort",
		Timezone: "America/New_York",
		Phone:    "+15555550100",
		Hours: []DayHours{
			weekday("Monday"), weekday("Tuesday"), weekday("Wednesday"), weekday("Thursday"), weekday("Friday"),
			{Day: "Saturday", Open: "08:00", Close: "17:00"},
			{Day: "Sunday", Open: "09:00", Close: "15:00"},
		},
		Services: []Service{
			{Name: "Daycare", Description: "Supervised group play, full or half day"},
			{Name: "Boarding", Description: "Overnight stays with daily play sessions"},
			{Name: "Grooming", Description: "Bath, brush, nail trim and haircut"},
		},
		Policies: []string{
			"All dogs must be current on rabies, DHPP and bordetella vaccinations.",
			"Cancellations made less than 24 hours before a booking may be charged.",
		},
		AssistantTag: "Paw",
	}
}

// Load reads a YAML, JSON or TOML profile from path. Keys absent from the file
// keep the values from Default.
func Load(path string) (Profile, error) {
	def := Default()
	v := viper.New()
	v.SetDefault("name", def.Name)
	v.SetDefault("timezone", def.Timezone)
	v.SetDefault("phone", def.Phone)
	v.SetDefault("assistant_name", def.AssistantTag)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Profile{}, fmt.Errorf("read business profile: %w", err)
	}

	var p Profile
	if err := v.Unmarshal(&p); err != nil {
		return Profile{}, fmt.Errorf("decode business profile: %w", err)
	}
	if len(p.Hours) == 0 {
		p.Hours = def.Hours
	}
	if len(p.Services) == 0 {
		p.Services = def.Services
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return Profile{}, fmt.Errorf("business profile timezone %q: %w", p.Timezone, err)
	}
	slog.Debug("business.Load: profile loaded", "name", p.Name, "services", len(p.Services), "policies", len(p.Policies))
	return p, nil
}

// Location returns the business time zone, or UTC if it cannot be loaded.
func (p Profile) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HoursSummary renders opening hours as one line per day.
func (p Profile) HoursSummary() string {
	var b strings.Builder
	for i, h := range p.Hours {
		if i > 0 {
			b.WriteString("\n")
		}
		if h.Closed {
			fmt.Fprintf(&b, "%s: closed", h.Day)
			continue
		}
		fmt.Fprintf(&b, "%s: %s-%s", h.Day, h.Open, h.Close)
	}
	return b.String()
}

// HumanContact is the line given to customers who need a person.
func (p Profile) HumanContact() string {
	if p.Phone == "" {
		return "our front desk"
	}
	return "our front desk at " + p.Phone
}
