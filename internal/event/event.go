// Package event defines the lead event envelope, its validating constructors
// and the wire codec shared by the producer and both consumer roles.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTenant is used when no tenant is supplied at the boundary.
const DefaultTenant = "default"

// Side-channel record headers. They carry identity and tracing data next to
// the body and are never part of the payload.
const (
	HeaderEventID  = "x-event-id"
	HeaderTenantID = "x-tenant-id"
	HeaderType     = "x-event-type"
	HeaderTraceID  = "x-trace-id"
)

// Type is the semantic type of a lead event.
type Type string

const (
	TypeCreated   Type = "CREATED"
	TypeUpdated   Type = "UPDATED"
	TypeQualified Type = "QUALIFIED"
	TypeRejected  Type = "REJECTED"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeCreated, TypeUpdated, TypeQualified, TypeRejected:
		return true
	}
	return false
}

// Payload is a snapshot of the lead data carried by an event.
// Optional fields are nil when absent.
type Payload struct {
	LeadID    string  `json:"leadId"`
	FullName  string  `json:"fullName"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	City      *string `json:"city,omitempty"`
	Source    *string `json:"source,omitempty"`
	BudgetUSD *int    `json:"budgetUsd,omitempty"`
}

// NewPayload trims and validates lead data. Blank optional strings become nil.
func NewPayload(leadID, fullName string, email, phone, city, source *string, budgetUSD *int) (Payload, error) {
	p := Payload{
		LeadID:    strings.TrimSpace(leadID),
		FullName:  strings.TrimSpace(fullName),
		Email:     trimToNil(email),
		Phone:     trimToNil(phone),
		City:      trimToNil(city),
		Source:    trimToNil(source),
		BudgetUSD: budgetUSD,
	}

	var v ValidationError
	if p.LeadID == "" {
		v.Add("leadId", "is required")
	}
	if p.FullName == "" {
		v.Add("fullName", "is required")
	}
	if p.BudgetUSD != nil && *p.BudgetUSD < 0 {
		v.Add("budgetUsd", "must be >= 0")
	}
	checkLen(&v, "leadId", p.LeadID, MaxLeadIDLen)
	checkLen(&v, "fullName", p.FullName, MaxFullNameLen)
	checkOptionalLen(&v, "email", p.Email, MaxEmailLen)
	checkOptionalLen(&v, "phone", p.Phone, MaxPhoneLen)
	checkOptionalLen(&v, "city", p.City, MaxCityLen)
	checkOptionalLen(&v, "source", p.Source, MaxSourceLen)
	if err := v.Err(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Envelope is the canonical, immutable representation of one lead event.
// EventID is the idempotency key at every sink.
type Envelope struct {
	EventID    uuid.UUID `json:"eventId"`
	TenantID   string    `json:"tenantId"`
	Type       Type      `json:"type"`
	Payload    Payload   `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewEnvelope validates and normalises an envelope. A blank tenant becomes
// DefaultTenant and a zero occurredAt becomes the current time.
func NewEnvelope(id uuid.UUID, tenantID string, typ Type, payload Payload, occurredAt time.Time) (Envelope, error) {
	var v ValidationError
	if id == uuid.Nil {
		v.Add("eventId", "is required")
	}
	if !typ.Valid() {
		v.Add("type", fmt.Sprintf("unknown event type %q", typ))
	}
	tenant := NormalizeTenant(tenantID)
	checkLen(&v, "tenantId", tenant, MaxTenantIDLen)
	if err := v.Err(); err != nil {
		return Envelope{}, err
	}

	p, err := NewPayload(payload.LeadID, payload.FullName, payload.Email, payload.Phone, payload.City, payload.Source, payload.BudgetUSD)
	if err != nil {
		return Envelope{}, err
	}

	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	return Envelope{
		EventID:    id,
		TenantID:   tenant,
		Type:       typ,
		Payload:    p,
		OccurredAt: occurredAt.UTC(),
	}, nil
}

// Key returns the partition key. All events of one lead share it.
func (e Envelope) Key() string { return e.Payload.LeadID }

func (e Envelope) IsCreated() bool   { return e.Type == TypeCreated }
func (e Envelope) IsUpdated() bool   { return e.Type == TypeUpdated }
func (e Envelope) IsQualified() bool { return e.Type == TypeQualified }
func (e Envelope) IsRejected() bool  { return e.Type == TypeRejected }

// NormalizeTenant trims a tenant hint and falls back to DefaultTenant.
func NormalizeTenant(tenant string) string {
	t := strings.TrimSpace(tenant)
	if t == "" {
		return DefaultTenant
	}
	return t
}

// ValidateTenant rejects a normalised tenant id longer than MaxTenantIDLen.
func ValidateTenant(tenant string) error {
	var v ValidationError
	checkLen(&v, "tenantId", tenant, MaxTenantIDLen)
	return v.Err()
}

func trimToNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
