package policy

import (
	"context"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
	"go.uber.org/zap"
)

// ExemptionFinder — то, что движку нужно от сервиса exemption.
type ExemptionFinder interface {
	FindMatching(ctx context.Context, capID, ownerUID string, now time.Time) (*domain.PolicyExemption, error)
}

// QuotaKeeper — делегат лимитов. При превышении возвращает бакет окна
// и ошибку RATE_LIMITED с retry-after.
type QuotaKeeper interface {
	Allow(ctx context.Context, actorID string, cap domain.Capability) (*domain.QuotaBucket, error)
}

// Request — один акт оценки политики перед исполнением.
type Request struct {
	Proposal   *domain.Proposal
	Capability domain.Capability
	// TenantID — tenant-контекст запроса на исполнение, не предложения
	TenantID  string
	ActorID   string
	ActorType domain.ActorType
}

// Engine реализует порядок оценки write-пути. Короткое замыкание на первом
// отказе; каждый отказ аудируется до возврата ошибки (deny-then-log запрещен
// в обратную сторону: сначала журнал, потом HTTP-ошибка).
type Engine struct {
	store      *Store
	exemptions ExemptionFinder
	quotas     QuotaKeeper
	ledger     Recorder
	logger     *zap.Logger
}

func NewEngine(store *Store, exemptions ExemptionFinder, quotas QuotaKeeper, rec Recorder, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		exemptions: exemptions,
		quotas:     quotas,
		ledger:     rec,
		logger:     logger.Named("policy-engine"),
	}
}

// Evaluate — последний рубеж перед исполнением. Вызывается и при execute
// (defense in depth: аппрув мог протухнуть), и при rollback.
func (e *Engine) Evaluate(ctx context.Context, req Request) error {
	p := req.Proposal
	cap := req.Capability

	// 0. Write-path обязан видеть авторитетное состояние политики.
	// Refresh-ошибка = fail closed: без политики write не исполняется.
	if cap.IsWrite() {
		if err := e.store.Refresh(ctx); err != nil {
			e.logger.Error("authoritative policy refresh failed", zap.Error(err))
			e.deny(req, domain.ActionProposalDenied, domain.CodeExecutionFailed, "")
			return domain.WrapError(domain.CodeExecutionFailed, "policy state unavailable", err)
		}
	}

	// 1. Tenant check — всегда денай, всегда аудит
	if req.TenantID != p.TenantID {
		err := domain.NewError(domain.CodeTenantMismatch, "request tenant does not match proposal tenant")
		e.deny(req, domain.ActionProposalDenied, domain.CodeTenantMismatch, "")
		return err
	}

	// 1.5. Деградированный режим: блокирует write-пути жестче kill-switch,
	// exemption здесь не действует
	if cap.IsWrite() && e.store.Degraded() {
		err := domain.NewError(domain.CodeDegradedMode, "gateway is in degraded mode")
		e.deny(req, domain.ActionProposalDenied, domain.CodeDegradedMode, "")
		return err
	}

	// 2. Kill switch — write-capability блокируются, если нет живого exemption
	if cap.IsWrite() && e.store.KillSwitch().Enabled {
		ex, ferr := e.exemptions.FindMatching(ctx, cap.ID, p.OwnerUID, time.Now())
		if ferr != nil {
			// Fail closed: не смогли проверить exemption — считаем, что его нет
			e.logger.Error("exemption lookup failed", zap.Error(ferr))
			ex = nil
		}
		if ex == nil {
			err := domain.NewError(domain.CodeKillSwitchActive, "kill switch is enabled and no exemption matches")
			e.deny(req, domain.ActionKillSwitchDenied, domain.CodeKillSwitchActive, "")
			return err
		}

		e.ledger.Record(domain.AuditEvent{
			ActorType:     req.ActorType,
			ActorID:       req.ActorID,
			Action:        domain.ActionExemptionApplied,
			Target:        cap.ID,
			ApprovalState: string(p.Status),
			InputHash:     p.InputHash,
			Metadata: domain.EventMetadata{
				Proposal: &domain.ProposalMeta{ProposalID: p.ID, TenantID: p.TenantID},
				Policy:   &domain.PolicyMeta{ExemptionID: ex.ID, OwnerUID: ex.OwnerUID},
			},
		})
	}

	// 3. Approval requirement. Для rollback-контура (executed и дальше)
	// аппрув уже состоялся — блокируем только draft/rejected
	if cap.RequiresApproval && (p.Status == domain.StatusDraft || p.Status == domain.StatusRejected) {
		err := domain.NewError(domain.CodeApprovalRequired, "capability requires an approved proposal")
		e.deny(req, domain.ActionProposalDenied, domain.CodeApprovalRequired, "")
		return err
	}

	// 4. Rate limit
	if bucket, err := e.quotas.Allow(ctx, req.ActorID, cap); err != nil {
		meta := domain.EventMetadata{
			Proposal: &domain.ProposalMeta{ProposalID: p.ID, TenantID: p.TenantID},
		}
		if bucket != nil {
			meta.Quota = &domain.QuotaMeta{
				Bucket:      bucket.Bucket,
				WindowStart: bucket.WindowStart.UTC().Format(time.RFC3339),
				Count:       bucket.Count,
			}
		}
		e.ledger.Record(domain.AuditEvent{
			ActorType:     req.ActorType,
			ActorID:       req.ActorID,
			Action:        domain.ActionProposalDenied,
			Target:        cap.ID,
			ApprovalState: string(p.Status),
			InputHash:     p.InputHash,
			Metadata:      meta,
		})
		return err
	}

	return nil
}

func (e *Engine) deny(req Request, action string, code domain.Code, rationale string) {
	p := req.Proposal
	e.ledger.Record(domain.AuditEvent{
		ActorType:     req.ActorType,
		ActorID:       req.ActorID,
		Action:        action,
		Rationale:     rationale,
		Target:        req.Capability.ID,
		ApprovalState: string(p.Status),
		InputHash:     p.InputHash,
		Metadata: domain.EventMetadata{
			Proposal: &domain.ProposalMeta{ProposalID: p.ID, TenantID: p.TenantID},
			Policy:   &domain.PolicyMeta{DenyCode: code},
		},
	})
}
