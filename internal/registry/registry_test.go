package registry

import (
	"testing"

	"github.com/xela07ax/capgate/internal/domain"
)

func validCap(id string) domain.Capability {
	return domain.Capability{
		ID:               id,
		Target:           "mock-device",
		RiskTier:         domain.TierLow,
		RequiresApproval: false,
		ReadOnly:         false,
		RateLimit:        domain.RateLimit{PerMinute: 10},
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		caps    []domain.Capability
		wantErr bool
	}{
		{"valid", []domain.Capability{validCap("a"), validCap("b")}, false},
		{"empty id", []domain.Capability{{Target: "x", RiskTier: domain.TierLow}}, true},
		{"empty target", []domain.Capability{{ID: "a", RiskTier: domain.TierLow}}, true},
		{"unknown tier", []domain.Capability{{ID: "a", Target: "x", RiskTier: "extreme"}}, true},
		{"duplicate id", []domain.Capability{validCap("a"), validCap("a")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.caps)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, err := New([]domain.Capability{validCap("a")})
	if err != nil {
		t.Fatal(err)
	}

	c, ok := r.Get("a")
	if !ok {
		t.Fatal("capability not found")
	}
	c.RiskTier = domain.TierCritical

	again, _ := r.Get("a")
	if again.RiskTier != domain.TierLow {
		t.Error("catalog entry was mutated through a lookup result")
	}
}

type staticResolver map[string]bool

func (s staticResolver) Resolves(target string) bool { return s[target] }

func TestLint(t *testing.T) {
	caps := []domain.Capability{
		{
			// Write на high tier без аппрува
			ID: "risky-write", Target: "mock-device", RiskTier: domain.TierHigh,
			RequiresApproval: false, RateLimit: domain.RateLimit{PerMinute: 5},
		},
		{
			// Нет лимита
			ID: "no-limit", Target: "mock-device", RiskTier: domain.TierLow,
		},
		{
			// Target без коннектора
			ID: "dangling", Target: "ghost", RiskTier: domain.TierLow,
			RateLimit: domain.RateLimit{PerHour: 100},
		},
		{
			// Чистая запись
			ID: "clean", Target: "mock-device", RiskTier: domain.TierHigh,
			RequiresApproval: true, RateLimit: domain.RateLimit{PerMinute: 1},
		},
	}

	r, err := New(caps)
	if err != nil {
		t.Fatal(err)
	}

	report := r.Lint(staticResolver{"mock-device": true})
	if report.CapabilitiesChecked != 4 {
		t.Errorf("checked = %d, want 4", report.CapabilitiesChecked)
	}

	got := make(map[string][]string)
	for _, v := range report.Violations {
		got[v.CapabilityID] = append(got[v.CapabilityID], v.Code)
	}

	if len(got["clean"]) != 0 {
		t.Errorf("clean capability flagged: %v", got["clean"])
	}
	if !contains(got["risky-write"], LintApprovalEscalation) {
		t.Errorf("risky-write: want %s, got %v", LintApprovalEscalation, got["risky-write"])
	}
	if !contains(got["no-limit"], LintMissingRateLimit) {
		t.Errorf("no-limit: want %s, got %v", LintMissingRateLimit, got["no-limit"])
	}
	if !contains(got["dangling"], LintUnresolvedTarget) {
		t.Errorf("dangling: want %s, got %v", LintUnresolvedTarget, got["dangling"])
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
