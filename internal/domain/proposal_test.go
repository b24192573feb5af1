package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from    ProposalStatus
		to      ProposalStatus
		wantErr error
	}{
		{StatusDraft, StatusApproved, nil},
		{StatusDraft, StatusRejected, nil},
		{StatusDraft, StatusInflight, nil},
		{StatusApproved, StatusInflight, nil},
		{StatusApproved, StatusRejected, nil},
		{StatusInflight, StatusExecuted, nil},
		{StatusInflight, StatusApproved, nil},
		{StatusRejected, StatusDraft, nil},
		{StatusExecuted, StatusRollbackRequested, nil},
		{StatusRollbackRequested, StatusRolledBack, nil},

		// Запрещенные ходы
		{StatusDraft, StatusExecuted, ErrInvalidTransition},
		{StatusApproved, StatusDraft, ErrInvalidTransition},
		{StatusRejected, StatusApproved, ErrInvalidTransition},
		{StatusExecuted, StatusDraft, ErrAlreadyProcessed},
		{StatusExecuted, StatusApproved, ErrAlreadyProcessed},
		{StatusRolledBack, StatusDraft, ErrAlreadyProcessed},
		{StatusRolledBack, StatusExecuted, ErrAlreadyProcessed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			p := &Proposal{Status: tt.from}
			err := p.CanTransitionTo(tt.to)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExemptionStatusAt(t *testing.T) {
	now := mustTime(t, "2026-09-01T12:00:00Z")
	past := mustTime(t, "2026-09-01T11:00:00Z")
	future := mustTime(t, "2026-09-01T13:00:00Z")

	tests := []struct {
		name string
		e    PolicyExemption
		want ExemptionStatus
	}{
		{"no expiry", PolicyExemption{}, ExemptionActive},
		{"future expiry", PolicyExemption{ExpiresAt: &future}, ExemptionActive},
		{"expired", PolicyExemption{ExpiresAt: &past}, ExemptionExpired},
		{"expires exactly now", PolicyExemption{ExpiresAt: &now}, ExemptionExpired},
		{"revoked wins over expiry", PolicyExemption{RevokedAt: &past, ExpiresAt: &future}, ExemptionRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.StatusAt(now); got != tt.want {
				t.Errorf("StatusAt = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExemptionMatches(t *testing.T) {
	now := mustTime(t, "2026-09-01T12:00:00Z")

	wildcard := PolicyExemption{CapabilityID: "cap-1"}
	if !wildcard.Matches("cap-1", "anyone", now) {
		t.Error("owner-less exemption must match every owner")
	}
	if wildcard.Matches("cap-2", "anyone", now) {
		t.Error("exemption matched a different capability")
	}

	scoped := PolicyExemption{CapabilityID: "cap-1", OwnerUID: "owner-a"}
	if !scoped.Matches("cap-1", "owner-a", now) {
		t.Error("scoped exemption must match its owner")
	}
	if scoped.Matches("cap-1", "owner-b", now) {
		t.Error("scoped exemption matched a foreign owner")
	}
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	out, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test time %q: %v", s, err)
	}
	return out
}
