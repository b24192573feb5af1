package domain

import "time"

// MinRationaleLen — минимальная длина rationale привилегированного действия,
// чтобы запись аудита оставалась осмысленной.
const MinRationaleLen = 8

// Действия, порождающие строку аудита. Каждый шаг, затрагивающий capability,
// обязан оставить ровно одну запись (deny тоже).
const (
	ActionProposalCreated    = "proposal_created"
	ActionProposalApproved   = "proposal_approved"
	ActionProposalRejected   = "proposal_rejected"
	ActionProposalReopened   = "proposal_reopened"
	ActionProposalExecuted   = "proposal_executed"
	ActionProposalRolledBack = "proposal_rolled_back"
	ActionProposalDenied     = "proposal_denied"
	ActionExecutionFailed    = "execution_failed"
	ActionRollbackFailed     = "rollback_failed"

	ActionKillSwitchDenied  = "kill_switch_denied"
	ActionExemptionApplied  = "exemption_applied"
	ActionKillSwitchToggled = "kill_switch_toggled"
	ActionExemptionCreated  = "exemption_created"
	ActionExemptionRevoked  = "exemption_revoked"
	ActionQuotaReset        = "quota_reset"
	ActionDegradedToggled   = "degraded_toggled"
	ActionDrillCompleted    = "drill_completed"
)

// ProposalMeta — структурированные метаданные для событий жизненного цикла предложения.
type ProposalMeta struct {
	ProposalID     string `json:"proposal_id"`
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// PolicyMeta — метаданные для политических событий (kill-switch, exemptions).
type PolicyMeta struct {
	ExemptionID string `json:"exemption_id,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
	OwnerUID    string `json:"owner_uid,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	DenyCode    Code   `json:"deny_code,omitempty"`
}

// QuotaMeta — метаданные событий квот.
type QuotaMeta struct {
	Bucket      string `json:"bucket"`
	WindowStart string `json:"window_start,omitempty"`
	Count       int64  `json:"count,omitempty"`
}

// ConnectorMeta — метаданные вызовов коннекторов.
type ConnectorMeta struct {
	ConnectorID string `json:"connector_id"`
	LatencyMs   int64  `json:"latency_ms,omitempty"`
	Breaker     string `json:"breaker,omitempty"`
}

// DrillMeta — метаданные учебных прогонов.
type DrillMeta struct {
	DrillID string `json:"drill_id"`
	Passed  int    `json:"passed"`
	Failed  int    `json:"failed"`
}

// EventMetadata — закрытый набор вариантов вместо открытой мапы:
// экспорт и линт остаются исчерпывающими по известным типам действий.
type EventMetadata struct {
	Proposal  *ProposalMeta  `json:"proposal,omitempty"`
	Policy    *PolicyMeta    `json:"policy,omitempty"`
	Quota     *QuotaMeta     `json:"quota,omitempty"`
	Connector *ConnectorMeta `json:"connector,omitempty"`
	Drill     *DrillMeta     `json:"drill,omitempty"`
}

// AuditEvent — строка журнала. Append-only: путей update/delete не существует.
type AuditEvent struct {
	ID            string        `json:"id"`
	At            time.Time     `json:"at"`
	ActorType     ActorType     `json:"actor_type"`
	ActorID       string        `json:"actor_id"`
	Action        string        `json:"action"`
	Rationale     string        `json:"rationale,omitempty"`
	Target        string        `json:"target"`
	ApprovalState string        `json:"approval_state,omitempty"`
	InputHash     string        `json:"input_hash,omitempty"`
	OutputHash    string        `json:"output_hash,omitempty"`
	Metadata      EventMetadata `json:"metadata"`
}

// AuditFilter — фильтры выборки журнала для API.
type AuditFilter struct {
	ActionPrefix  string
	ActorID       string
	ApprovalState string
	Limit         int
}
