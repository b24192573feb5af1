package proposal

import (
	"encoding/json"
	"fmt"

	"github.com/xela07ax/capgate/internal/domain"
)

// BuildPreview строит строго описательный preview: список эффектов
// декларативен и никогда не вызывает целевую систему. Функция
// детерминирована — dry-run пересчитывает эффекты и получает то же самое.
func BuildPreview(c domain.Capability, input json.RawMessage) domain.Preview {
	effects := make([]string, 0, 4)

	if c.ReadOnly {
		effects = append(effects, fmt.Sprintf("read from %s (no state change)", c.Target))
	} else {
		effects = append(effects, fmt.Sprintf("write to %s via capability %s", c.Target, c.ID))
	}

	if c.RequiresApproval {
		effects = append(effects, "requires explicit approval before execution")
	}
	if c.RiskTier.TwoPersonRule() {
		effects = append(effects, "two-person rule: approver must differ from the author")
	}
	if !c.RateLimit.Empty() {
		effects = append(effects, fmt.Sprintf("rate limited: %d/min, %d/hour",
			c.RateLimit.PerMinute, c.RateLimit.PerHour))
	}
	if c.CooldownSeconds > 0 {
		effects = append(effects, fmt.Sprintf("cooldown: %ds between executions", c.CooldownSeconds))
	}

	return domain.Preview{
		Summary:         fmt.Sprintf("%s (%s risk) against %s", c.ID, c.RiskTier, c.Target),
		Input:           input,
		ExpectedEffects: effects,
	}
}
