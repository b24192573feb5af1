package proposal

import (
	"context"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
)

// ListFilter — выборка предложений для read-model.
type ListFilter struct {
	Statuses []domain.ProposalStatus
	TenantID string
	Limit    int
}

// Repository — хранилище предложений. Все переходы — одиночные UPDATE
// с предусловием по статусу (оптимистичная конкуренция): проигравший
// гонку получает domain.ErrStalePrecondition, lost update невозможен.
type Repository interface {
	Create(ctx context.Context, p *domain.Proposal) error
	Get(ctx context.Context, id string) (*domain.Proposal, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Proposal, error)

	// draft -> approved
	Approve(ctx context.Context, id, approvedBy string, at time.Time) error
	// from -> rejected (from: draft|approved)
	Reject(ctx context.Context, id, reason string, from domain.ProposalStatus) error
	// rejected -> draft
	Reopen(ctx context.Context, id string) error

	// from -> inflight, фиксирует idempotency key. Строка блокируется только
	// на время claim, внешний вызов идет без каких-либо блокировок.
	ClaimExecution(ctx context.Context, id, idempotencyKey string, from domain.ProposalStatus) error
	// inflight -> executed, фиксирует output hash
	FinishExecution(ctx context.Context, id, outputHash string) error
	// inflight -> from (возврат claim при сбое исполнения)
	ReleaseClaim(ctx context.Context, id string, to domain.ProposalStatus) error

	// executed -> rollback_requested
	RequestRollback(ctx context.Context, id string) error
	// rollback_requested -> rolled_back
	FinishRollback(ctx context.Context, id string, at time.Time) error
}
