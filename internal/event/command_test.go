package event

import (
	"errors"
	"strings"
	"testing"
)

func TestCommand_Validate(t *testing.T) {
	tests := []struct {
		name   string
		cmd    Command
		fields []string
	}{
		{
			name: "minimal valid",
			cmd:  Command{FullName: "Grace Hopper"},
		},
		{
			name: "all fields valid",
			cmd: Command{
				LeadID: "crm-42", FullName: "Grace Hopper", Email: strPtr(" grace@example.com "),
				Phone: strPtr("+1 555 0100"), City: strPtr("Arlington"), Source: strPtr("referral"), BudgetUSD: intPtr(0),
			},
		},
		{
			name:   "blank name",
			cmd:    Command{FullName: "   "},
			fields: []string{"fullName"},
		},
		{
			name:   "name too long",
			cmd:    Command{FullName: strings.Repeat("a", MaxFullNameLen+1)},
			fields: []string{"fullName"},
		},
		{
			name:   "bad email",
			cmd:    Command{FullName: "n", Email: strPtr("not-an-email")},
			fields: []string{"email"},
		},
		{
			name:   "display-name email form rejected",
			cmd:    Command{FullName: "n", Email: strPtr("Grace <grace@example.com>")},
			fields: []string{"email"},
		},
		{
			name: "several violations",
			cmd: Command{
				LeadID: strings.Repeat("x", MaxLeadIDLen+1), FullName: "n",
				Phone: strPtr(strings.Repeat("1", MaxPhoneLen+1)), BudgetUSD: intPtr(-1),
			},
			fields: []string{"leadId", "phone", "budgetUsd"},
		},
		{
			name: "blank optional email is fine",
			cmd:  Command{FullName: "n", Email: strPtr("  ")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(verr.Violations) != len(tt.fields) {
				t.Fatalf("expected %d violations, got %+v", len(tt.fields), verr.Violations)
			}
			for i, f := range tt.fields {
				if verr.Violations[i].Field != f {
					t.Errorf("violation %d: expected field %s, got %s", i, f, verr.Violations[i].Field)
				}
			}
		})
	}
}

func TestCommand_Payload(t *testing.T) {
	cmd := Command{FullName: " Grace ", City: strPtr(" ")}
	p, err := cmd.Payload("lead-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.LeadID != "lead-7" || p.FullName != "Grace" || p.City != nil {
		t.Errorf("unexpected payload %+v", p)
	}
}
