package domain

import (
	"encoding/json"
	"time"
)

// ActorType — кто инициировал предложение.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorStaff  ActorType = "staff"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Статусы State Machine предложения.
type ProposalStatus string

const (
	StatusDraft             ProposalStatus = "draft"
	StatusApproved          ProposalStatus = "approved"
	StatusRejected          ProposalStatus = "rejected"
	StatusInflight          ProposalStatus = "inflight" // попытка исполнения захвачена
	StatusExecuted          ProposalStatus = "executed"
	StatusRollbackRequested ProposalStatus = "rollback_requested"
	StatusRolledBack        ProposalStatus = "rolled_back"
)

// Preview — человекочитаемое описание эффекта. Строго декларативное:
// построение preview никогда не вызывает целевую систему.
type Preview struct {
	Summary         string          `json:"summary"`
	Input           json.RawMessage `json:"input"`
	ExpectedEffects []string        `json:"expected_effects"`
}

// Proposal — единица работы шлюза. Принадлежит исключительно Proposal Store,
// мутируется только через переходы конечного автомата, никогда не удаляется.
type Proposal struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	ActorType    ActorType      `json:"actor_type"`
	ActorID      string         `json:"actor_id"`
	OwnerUID     string         `json:"owner_uid"`
	TenantID     string         `json:"tenant_id"`
	CapabilityID string         `json:"capability_id"`
	Rationale    string         `json:"rationale"`
	InputHash    string         `json:"input_hash"`
	Preview      Preview        `json:"preview"`
	Status       ProposalStatus `json:"status"`

	ApprovedBy   *string    `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	RejectReason *string    `json:"reject_reason,omitempty"`

	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	OutputHash     *string    `json:"output_hash,omitempty"`
	RolledBackAt   *time.Time `json:"rolled_back_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// transitions — закрытая таблица разрешенных переходов.
// Единственный «обратный» ход: reopen (rejected -> draft).
var transitions = map[ProposalStatus][]ProposalStatus{
	// draft -> inflight доступен только approval-exempt capability:
	// для остальных Policy Engine откажет раньше (APPROVAL_REQUIRED)
	StatusDraft:             {StatusApproved, StatusRejected, StatusInflight},
	StatusApproved:          {StatusRejected, StatusInflight},
	StatusInflight:          {StatusExecuted, StatusApproved, StatusDraft}, // откат claim при сбое
	StatusRejected:          {StatusDraft},                    // reopen
	StatusExecuted:          {StatusRollbackRequested},
	StatusRollbackRequested: {StatusRolledBack},
}

// CanTransitionTo проверяет правила конечного автомата.
func (p *Proposal) CanTransitionTo(next ProposalStatus) error {
	for _, allowed := range transitions[p.Status] {
		if allowed == next {
			return nil
		}
	}
	if p.Status == StatusExecuted || p.Status == StatusRolledBack {
		return ErrAlreadyProcessed
	}
	return ErrInvalidTransition
}

// Terminal — статусы, после которых допустим только rollback-контур.
func (p *Proposal) Terminal() bool {
	switch p.Status {
	case StatusExecuted, StatusRolledBack:
		return true
	case StatusRejected:
		return true // терминален для аудита, но допускает reopen
	}
	return false
}
