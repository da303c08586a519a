package agenda

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const contactBaseURL = "https://wa.me/"

// Messenger builds pre-filled outbound messages and the deep links that
// open them. Sending is left to whatever opens the link.
type Messenger struct {
	countryCode string
	loc         *time.Location
}

func NewMessenger(countryCode string, loc *time.Location) *Messenger {
	if loc == nil {
		loc = time.UTC
	}
	return &Messenger{countryCode: digitsOnly(countryCode), loc: loc}
}

// NormalizePhone keeps digits and prefixes the default country code to
// national numbers (10 or 11 digits). It returns "" when nothing usable is
// left.
func (m *Messenger) NormalizePhone(phone string) string {
	d := digitsOnly(phone)
	if d == "" {
		return ""
	}
	if m.countryCode != "" && (len(d) == 10 || len(d) == 11) {
		d = m.countryCode + d
	}
	return d
}

// Link returns the deep link for phone with text pre-filled, or "" when the
// phone is unusable.
func (m *Messenger) Link(phone, text string) string {
	number := m.NormalizePhone(phone)
	if number == "" {
		return ""
	}
	return contactBaseURL + number + "?text=" + url.QueryEscape(text)
}

// Confirmation lists the booked dates for the patient.
func (m *Messenger) Confirmation(firstName, specialty string, starts []time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s! Your %s sessions are booked:", nameOrThere(firstName), specialty)
	for _, s := range starts {
		lt := s.In(m.loc)
		fmt.Fprintf(&b, "\n- %s %s at %s", lt.Weekday().String()[:3], lt.Format("02/01"), lt.Format("15:04"))
	}
	b.WriteString("\nSee you soon.")
	return b.String()
}

// Recovery invites an absent patient to rebook the session they missed.
func (m *Messenger) Recovery(firstName string, missed time.Time) string {
	lt := missed.In(m.loc)
	return fmt.Sprintf("Hello %s, we missed you at your session on %s at %s. Would you like to book a new time?",
		nameOrThere(firstName), lt.Format("02/01"), lt.Format("15:04"))
}

func nameOrThere(firstName string) string {
	if strings.TrimSpace(firstName) == "" {
		return "there"
	}
	return firstName
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
