package policy

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/infra"
	"go.uber.org/zap"
)

// ExemptionRepository — персистентность exemption.
// Экспирация не хранится как статус: вычисляется лениво через StatusAt.
type ExemptionRepository interface {
	CreateExemption(ctx context.Context, e *domain.PolicyExemption) error
	// RevokeExemption проставляет revoked_at/revoked_by только если еще не отозван
	RevokeExemption(ctx context.Context, id, revokedBy string, at time.Time) error
	GetExemption(ctx context.Context, id string) (*domain.PolicyExemption, error)
	ListExemptions(ctx context.Context) ([]domain.PolicyExemption, error)
	// FindMatching возвращает exemption, подходящий под (capID, ownerUID|*) и живой на момент now
	FindMatching(ctx context.Context, capID, ownerUID string, now time.Time) (*domain.PolicyExemption, error)
}

// Exemptions — сервис временных обходов kill-switch. Создание и отзыв —
// staff-only действия, каждое со своей строкой аудита.
type Exemptions struct {
	repo   ExemptionRepository
	rdb    *redis.Client
	ledger Recorder
	logger *zap.Logger
}

func NewExemptions(repo ExemptionRepository, rdb *redis.Client, rec Recorder, logger *zap.Logger) *Exemptions {
	return &Exemptions{
		repo:   repo,
		rdb:    rdb,
		ledger: rec,
		logger: logger.Named("exemptions"),
	}
}

// Create регистрирует новый exemption. Justification обязателен.
func (x *Exemptions) Create(ctx context.Context, capID, ownerUID, justification, approvedBy string, expiresAt *time.Time) (*domain.PolicyExemption, error) {
	if capID == "" {
		return nil, domain.NewError(domain.CodeValidation, "capability_id is required")
	}
	if len(strings.TrimSpace(justification)) < domain.MinRationaleLen {
		return nil, domain.Errorf(domain.CodeValidation, "justification must be at least %d characters", domain.MinRationaleLen)
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return nil, domain.NewError(domain.CodeValidation, "expires_at must be in the future")
	}

	e := &domain.PolicyExemption{
		ID:            uuid.New().String(),
		CapabilityID:  capID,
		OwnerUID:      ownerUID,
		Justification: justification,
		ApprovedBy:    approvedBy,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     expiresAt,
	}
	if err := x.repo.CreateExemption(ctx, e); err != nil {
		return nil, domain.WrapError(domain.CodeExecutionFailed, "exemption persistence failed", err)
	}

	meta := &domain.PolicyMeta{ExemptionID: e.ID, OwnerUID: ownerUID}
	if expiresAt != nil {
		meta.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
	}
	x.ledger.Record(domain.AuditEvent{
		ActorType: domain.ActorStaff,
		ActorID:   approvedBy,
		Action:    domain.ActionExemptionCreated,
		Rationale: justification,
		Target:    capID,
		Metadata:  domain.EventMetadata{Policy: meta},
	})

	x.notify(ctx)
	return e, nil
}

// Revoke отзывает exemption. Reason обязателен, повторный отзыв — конфликт.
func (x *Exemptions) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	if len(strings.TrimSpace(reason)) < domain.MinRationaleLen {
		return domain.Errorf(domain.CodeValidation, "reason must be at least %d characters", domain.MinRationaleLen)
	}

	e, err := x.repo.GetExemption(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return domain.NewError(domain.CodeNotFound, "exemption not found")
	}
	if e.RevokedAt != nil {
		return domain.NewError(domain.CodeConflict, "exemption already revoked")
	}

	if err := x.repo.RevokeExemption(ctx, id, revokedBy, time.Now().UTC()); err != nil {
		return domain.WrapError(domain.CodeExecutionFailed, "exemption revoke failed", err)
	}

	x.ledger.Record(domain.AuditEvent{
		ActorType: domain.ActorStaff,
		ActorID:   revokedBy,
		Action:    domain.ActionExemptionRevoked,
		Rationale: reason,
		Target:    e.CapabilityID,
		Metadata:  domain.EventMetadata{Policy: &domain.PolicyMeta{ExemptionID: id}},
	})

	x.notify(ctx)
	return nil
}

// FindMatching — живой exemption под (capID, ownerUID|*) или nil.
func (x *Exemptions) FindMatching(ctx context.Context, capID, ownerUID string, now time.Time) (*domain.PolicyExemption, error) {
	return x.repo.FindMatching(ctx, capID, ownerUID, now)
}

// List — выдача для read-model со статусами, вычисленными на момент запроса.
func (x *Exemptions) List(ctx context.Context) ([]ExemptionView, error) {
	items, err := x.repo.ListExemptions(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]ExemptionView, 0, len(items))
	for _, e := range items {
		out = append(out, ExemptionView{PolicyExemption: e, Status: e.StatusAt(now)})
	}
	return out, nil
}

// ExemptionView — exemption плюс лениво вычисленный статус.
type ExemptionView struct {
	domain.PolicyExemption
	Status domain.ExemptionStatus `json:"status"`
}

func (x *Exemptions) notify(ctx context.Context) {
	if x.rdb == nil {
		return
	}
	if err := x.rdb.Publish(ctx, infra.RedisChanExemptions, "refresh").Err(); err != nil {
		x.logger.Warn("exemption signal delivery failed", zap.Error(err))
	}
}
