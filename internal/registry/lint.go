package registry

import (
	"time"

	"github.com/xela07ax/capgate/internal/domain"
)

// Коды нарушений статического линта каталога.
const (
	LintApprovalEscalation = "APPROVAL_ESCALATION_REQUIRED"
	LintMissingRateLimit   = "MISSING_RATE_LIMIT"
	LintUnresolvedTarget   = "UNRESOLVED_TARGET"
)

type Violation struct {
	CapabilityID string `json:"capability_id"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

type LintReport struct {
	CheckedAt           time.Time   `json:"checked_at"`
	CapabilitiesChecked int         `json:"capabilities_checked"`
	Violations          []Violation `json:"violations"`
}

// TargetResolver отвечает, есть ли для target зарегистрированный handler или коннектор.
type TargetResolver interface {
	Resolves(target string) bool
}

// Lint — пакетная проверка каталога. Advisory: загрузку не блокирует,
// но CI/ops должны гейтиться на ноль нарушений.
func (r *Registry) Lint(resolver TargetResolver) LintReport {
	report := LintReport{
		CheckedAt:           time.Now(),
		CapabilitiesChecked: r.Len(),
		Violations:          make([]Violation, 0),
	}

	for _, id := range r.order {
		c := r.caps[id]

		// Write-capability без аппрува допустим только на low tier
		if c.IsWrite() && !c.RequiresApproval && c.RiskTier != domain.TierLow {
			report.Violations = append(report.Violations, Violation{
				CapabilityID: c.ID,
				Code:         LintApprovalEscalation,
				Message:      "write capability with risk tier " + string(c.RiskTier) + " must require approval",
			})
		}

		if c.RateLimit.Empty() {
			report.Violations = append(report.Violations, Violation{
				CapabilityID: c.ID,
				Code:         LintMissingRateLimit,
				Message:      "capability has no rate limit configured",
			})
		}

		if resolver != nil && !resolver.Resolves(c.Target) {
			report.Violations = append(report.Violations, Violation{
				CapabilityID: c.ID,
				Code:         LintUnresolvedTarget,
				Message:      "target " + c.Target + " has no registered handler or connector",
			})
		}
	}

	return report
}
