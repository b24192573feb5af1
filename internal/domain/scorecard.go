package domain

import "time"

// MetricStatus упорядочен по тяжести: critical > warning > ok.
type MetricStatus string

const (
	MetricOK       MetricStatus = "ok"
	MetricWarning  MetricStatus = "warning"
	MetricCritical MetricStatus = "critical"
)

var statusRank = map[MetricStatus]int{
	MetricOK:       0,
	MetricWarning:  1,
	MetricCritical: 2,
}

// Worse возвращает более тяжелый из двух статусов.
func Worse(a, b MetricStatus) MetricStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// ScoreMetric — один сигнал SLO с владельцем и дежурным.
type ScoreMetric struct {
	Key    string       `json:"key"`
	Status MetricStatus `json:"status"`
	Value  float64      `json:"value"`
	Unit   string       `json:"unit"`
	Owner  string       `json:"owner"`
	OnCall string       `json:"on_call"`
}

// Scorecard — производный сигнал здоровья по всем подсистемам.
type Scorecard struct {
	ComputedAt    time.Time     `json:"computed_at"`
	OverallStatus MetricStatus  `json:"overall_status"`
	LastBreachAt  *time.Time    `json:"last_breach_at,omitempty"`
	Metrics       []ScoreMetric `json:"metrics"`
}
