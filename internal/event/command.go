package event

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

// Field length limits accepted at the boundary.
const (
	MaxTenantIDLen = 64
	MaxLeadIDLen   = 120
	MaxFullNameLen = 200
	MaxEmailLen    = 320
	MaxPhoneLen    = 40
	MaxCityLen     = 120
	MaxSourceLen   = 120
)

// Command is the lead creation request handed to the publisher by the HTTP
// boundary. LeadID is optional; a fresh id is generated when it is blank.
type Command struct {
	LeadID    string  `json:"leadId,omitempty"`
	FullName  string  `json:"fullName"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	City      *string `json:"city,omitempty"`
	Source    *string `json:"source,omitempty"`
	BudgetUSD *int    `json:"budgetUsd,omitempty"`
}

// Validate checks required fields, length limits, email syntax and the
// budget sign. All violations are reported together.
func (c Command) Validate() error {
	var v ValidationError

	if strings.TrimSpace(c.FullName) == "" {
		v.Add("fullName", "is required")
	}
	checkLen(&v, "fullName", c.FullName, MaxFullNameLen)
	checkLen(&v, "leadId", c.LeadID, MaxLeadIDLen)

	if c.Email != nil {
		email := strings.TrimSpace(*c.Email)
		checkLen(&v, "email", email, MaxEmailLen)
		if email != "" {
			if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
				v.Add("email", "must be a valid email address")
			}
		}
	}
	if c.Phone != nil {
		checkLen(&v, "phone", *c.Phone, MaxPhoneLen)
	}
	if c.City != nil {
		checkLen(&v, "city", *c.City, MaxCityLen)
	}
	if c.Source != nil {
		checkLen(&v, "source", *c.Source, MaxSourceLen)
	}
	if c.BudgetUSD != nil && *c.BudgetUSD < 0 {
		v.Add("budgetUsd", "must be >= 0")
	}
	return v.Err()
}

// Payload builds a validated payload for leadID from the command.
func (c Command) Payload(leadID string) (Payload, error) {
	return NewPayload(leadID, c.FullName, c.Email, c.Phone, c.City, c.Source, c.BudgetUSD)
}

func checkLen(v *ValidationError, field, value string, limit int) {
	if n := utf8.RuneCountInString(strings.TrimSpace(value)); n > limit {
		v.Add(field, fmt.Sprintf("must be at most %d characters", limit))
	}
}

func checkOptionalLen(v *ValidationError, field string, value *string, limit int) {
	if value != nil {
		checkLen(v, field, *value, limit)
	}
}
