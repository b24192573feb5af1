package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/capgate/internal/canon"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/registry"
	"go.uber.org/zap"
)

// Recorder — запись аудита жизненного цикла предложения.
type Recorder interface {
	Record(event domain.AuditEvent)
}

// Service — владелец предложений. Все мутации идут через конечный автомат,
// каждый переход оставляет строку аудита. Предложения не удаляются.
type Service struct {
	repo     Repository
	registry *registry.Registry
	ledger   Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(repo Repository, reg *registry.Registry, rec Recorder, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: reg,
		ledger:   rec,
		logger:   logger.Named("proposals"),
		now:      time.Now,
	}
}

// CreateInput — заявка на новое предложение. Identity-поля берутся из
// токена вызывающего, не из тела запроса.
type CreateInput struct {
	ActorType    domain.ActorType
	ActorID      string
	OwnerUID     string
	TenantID     string
	CapabilityID string
	Rationale    string
	Input        json.RawMessage
}

// Create валидирует capability, хеширует вход и сохраняет draft.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Proposal, error) {
	c, ok := s.registry.Get(in.CapabilityID)
	if !ok {
		return nil, domain.Errorf(domain.CodeCapabilityNotFound, "capability %s is not registered", in.CapabilityID)
	}
	if strings.TrimSpace(in.Rationale) == "" {
		return nil, domain.NewError(domain.CodeValidation, "rationale is required")
	}
	if in.TenantID == "" {
		return nil, domain.NewError(domain.CodeValidation, "tenant context is required")
	}
	if len(in.Input) == 0 {
		in.Input = json.RawMessage(`{}`)
	}

	inputHash, err := canon.HashJSON(in.Input)
	if err != nil {
		return nil, domain.WrapError(domain.CodeValidation, "input is not valid JSON", err)
	}

	now := s.now().UTC()
	p := &domain.Proposal{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		UpdatedAt:    now,
		ActorType:    in.ActorType,
		ActorID:      in.ActorID,
		OwnerUID:     in.OwnerUID,
		TenantID:     in.TenantID,
		CapabilityID: in.CapabilityID,
		Rationale:    in.Rationale,
		InputHash:    inputHash,
		Preview:      BuildPreview(c, in.Input),
		Status:       domain.StatusDraft,
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, domain.WrapError(domain.CodeExecutionFailed, "proposal persistence failed", err)
	}

	s.ledger.Record(domain.AuditEvent{
		ActorType:     in.ActorType,
		ActorID:       in.ActorID,
		Action:        domain.ActionProposalCreated,
		Rationale:     in.Rationale,
		Target:        in.CapabilityID,
		ApprovalState: string(domain.StatusDraft),
		InputHash:     inputHash,
		Metadata: domain.EventMetadata{
			Proposal: &domain.ProposalMeta{ProposalID: p.ID, TenantID: p.TenantID},
		},
	})

	return p, nil
}

// Approve переводит draft -> approved. Для high/critical действует правило
// двух человек: аппрувер обязан отличаться от автора.
func (s *Service) Approve(ctx context.Context, id, approverID string) (*domain.Proposal, error) {
	p, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}

	c, ok := s.registry.Get(p.CapabilityID)
	if !ok {
		return nil, domain.Errorf(domain.CodeCapabilityNotFound, "capability %s is not registered", p.CapabilityID)
	}
	if c.RiskTier.TwoPersonRule() && approverID == p.ActorID {
		return nil, domain.NewError(domain.CodeSelfApprovalDenied,
			"high risk capability requires an approver distinct from the author")
	}

	if err := p.CanTransitionTo(domain.StatusApproved); err != nil {
		return nil, transitionError(err, p.Status)
	}

	at := s.now().UTC()
	if err := s.repo.Approve(ctx, id, approverID, at); err != nil {
		return nil, s.mapRepoErr(err)
	}

	s.ledger.Record(domain.AuditEvent{
		ActorType:     domain.ActorStaff,
		ActorID:       approverID,
		Action:        domain.ActionProposalApproved,
		Target:        p.CapabilityID,
		ApprovalState: string(domain.StatusApproved),
		InputHash:     p.InputHash,
		Metadata: domain.EventMetadata{
			Proposal: &domain.ProposalMeta{ProposalID: p.ID, TenantID: p.TenantID},
		},
	})

	return s.mustGet(ctx, id)
}

// Reject переводит draft|approved -> rejected. Причина обязательна.
func (s *Service) Reject(ctx context.Context, id, actorID, reason string) (*domain.Proposal, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, domain.NewError(domain.CodeValidation, "reject reason is required")
	}

	p, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.CanTransitionTo(domain.StatusRejected); err != nil {
		return nil, transitionError(err, p.Status)
	}

	if err := s.repo.Reject(ctx, id, reason, p.Status); err != nil {
		return nil, s.mapRepoErr(err)
	}

	s.ledger.Record(domain.AuditEvent{
		ActorType:     domain.ActorStaff,
		ActorID:       actorID,
		Action:        domain.ActionProposalRejected,
		Rationale:     reason,
		Target:        p.CapabilityID,
		ApprovalState: string(domain.StatusRejected),
		InputHash:     p.InputHash,
		Metadata: domain.EventMetadata{
			Proposal: &domain.ProposalMeta{ProposalID: p.ID, TenantID: p.TenantID, Reason: reason},
		},
	})

	return s.mustGet(ctx, id)
}

// Reopen — единственный «обратный» переход: rejected -> draft.
func (s *Service) Reopen(ctx context.Context, id, actorID, reason string) (*domain.Proposal, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, domain.NewError(domain.CodeValidation, "reopen reason is required")
	}

	p, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusRejected {
		return nil, domain.Errorf(domain.CodeConflict, "only rejected proposals can be reopened (status: %s)", p.Status)
	}

	if err := s.repo.Reopen(ctx, id); err != nil {
		return nil, s.mapRepoErr(err)
	}

	s.ledger.Record(domain.AuditEvent{
		ActorType:     domain.ActorStaff,
		ActorID:       actorID,
		Action:        domain.ActionProposalReopened,
		Rationale:     reason,
		Target:        p.CapabilityID,
		ApprovalState: string(domain.StatusDraft),
		InputHash:     p.InputHash,
		Metadata: domain.EventMetadata{
			Proposal: &domain.ProposalMeta{ProposalID: p.ID, TenantID: p.TenantID, Reason: reason},
		},
	})

	return s.mustGet(ctx, id)
}

// DryRun — чистое чтение: пересчитывает эффекты, ничего не персистит,
// целевую систему не трогает и аудит не пишет.
func (s *Service) DryRun(ctx context.Context, id string) (*domain.Preview, error) {
	p, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	c, ok := s.registry.Get(p.CapabilityID)
	if !ok {
		return nil, domain.Errorf(domain.CodeCapabilityNotFound, "capability %s is not registered", p.CapabilityID)
	}

	preview := BuildPreview(c, p.Preview.Input)
	return &preview, nil
}

// Get / List — чтение для API и read-model.
func (s *Service) Get(ctx context.Context, id string) (*domain.Proposal, error) {
	return s.mustGet(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]domain.Proposal, error) {
	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Proposal{}
	}
	return items, nil
}

func (s *Service) mustGet(ctx context.Context, id string) (*domain.Proposal, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, domain.WrapError(domain.CodeExecutionFailed, "proposal lookup failed", err)
	}
	if p == nil {
		return nil, domain.NewError(domain.CodeNotFound, "proposal not found")
	}
	return p, nil
}

func (s *Service) mapRepoErr(err error) error {
	if errors.Is(err, domain.ErrStalePrecondition) {
		return domain.NewError(domain.CodeConflict, "proposal was modified concurrently")
	}
	return domain.WrapError(domain.CodeExecutionFailed, "proposal transition failed", err)
}

func transitionError(err error, status domain.ProposalStatus) error {
	if errors.Is(err, domain.ErrAlreadyProcessed) {
		return domain.Errorf(domain.CodeConflict, "proposal is terminal (status: %s)", status)
	}
	return domain.Errorf(domain.CodeConflict, "transition not allowed from status %s", status)
}
