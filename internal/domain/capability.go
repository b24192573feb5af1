package domain

// RiskTier определяет уровень риска действия и строгость контроля над ним.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// Valid проверяет, что tier входит в закрытый список.
// Неизвестные значения отклоняются при загрузке каталога, а не молча принимаются.
func (t RiskTier) Valid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh, TierCritical:
		return true
	}
	return false
}

// TwoPersonRule — для high/critical аппрувер обязан отличаться от автора.
func (t RiskTier) TwoPersonRule() bool {
	return t == TierHigh || t == TierCritical
}

// RateLimit — окна фиксированной ширины. Ноль = лимит не задан (флаг для линта).
type RateLimit struct {
	PerMinute int `json:"per_minute" mapstructure:"per_minute"`
	PerHour   int `json:"per_hour" mapstructure:"per_hour"`
}

func (r RateLimit) Empty() bool { return r.PerMinute == 0 && r.PerHour == 0 }

// Capability — запись каталога действий. Иммутабельна в рантайме:
// версии появляются только через redeploy каталога.
type Capability struct {
	ID               string    `json:"id" mapstructure:"id"`
	Target           string    `json:"target" mapstructure:"target"`
	RiskTier         RiskTier  `json:"risk_tier" mapstructure:"risk_tier"`
	RequiresApproval bool      `json:"requires_approval" mapstructure:"requires_approval"`
	ReadOnly         bool      `json:"read_only" mapstructure:"read_only"`
	RateLimit        RateLimit `json:"rate_limit" mapstructure:"rate_limit"`
	CooldownSeconds  int       `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
}

// IsWrite — capability с побочными эффектами. Только такие блокируются kill-switch.
func (c *Capability) IsWrite() bool { return !c.ReadOnly }
