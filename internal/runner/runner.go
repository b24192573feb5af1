package runner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xela07ax/capgate/internal/canon"
	"github.com/xela07ax/capgate/internal/connector"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/policy"
	"github.com/xela07ax/capgate/internal/proposal"
	"github.com/xela07ax/capgate/internal/registry"
	"go.uber.org/zap"
)

// Handler — локальная цель исполнения (без внешнего коннектора).
type Handler interface {
	Execute(ctx context.Context, command []byte) ([]byte, error)
}

// Reverser — опциональная способность цели откатывать исполненную команду.
// Цель без Reverser получает ROLLBACK_UNSUPPORTED.
type Reverser interface {
	Reverse(ctx context.Context, command []byte) ([]byte, error)
}

// Recorder — аудит исполнения.
type Recorder interface {
	Record(event domain.AuditEvent)
}

// Runner владеет write-путем: claim -> policy -> вызов цели -> фиксация.
// Ни одна блокировка не живет дольше claim-перехода: внешний вызов
// идет на «захваченной» строке, гонщики получают конфликт из хранилища.
type Runner struct {
	repo     proposal.Repository
	registry *registry.Registry
	engine   *policy.Engine
	set      *connector.Set
	handlers map[string]Handler
	ledger   Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo proposal.Repository, reg *registry.Registry, engine *policy.Engine, set *connector.Set, handlers map[string]Handler, rec Recorder, logger *zap.Logger) *Runner {
	if handlers == nil {
		handlers = make(map[string]Handler)
	}
	return &Runner{
		repo:     repo,
		registry: reg,
		engine:   engine,
		set:      set,
		handlers: handlers,
		ledger:   rec,
		logger:   logger.Named("runner"),
		now:      time.Now,
	}
}

// Resolves — registry.TargetResolver поверх локальных хендлеров и коннекторов.
func (r *Runner) Resolves(target string) bool {
	if _, ok := r.handlers[target]; ok {
		return true
	}
	return r.set.Resolves(target)
}

// ExecuteInput — запрос на исполнение. Идемпотентный ключ обязателен:
// без него at-most-once недоказуем.
type ExecuteInput struct {
	ProposalID     string
	IdempotencyKey string
	TenantID       string
	ActorID        string
	ActorType      domain.ActorType
}

// Result — итог исполнения. Replayed=true означает, что side effect
// не повторялся: вернулся результат ранее завершенной попытки.
type Result struct {
	Proposal   *domain.Proposal `json:"proposal"`
	OutputHash string           `json:"output_hash"`
	Replayed   bool             `json:"replayed"`
}

// Execute исполняет предложение не более одного раза на идемпотентный ключ.
func (r *Runner) Execute(ctx context.Context, in ExecuteInput) (*Result, error) {
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return nil, domain.NewError(domain.CodeValidation, "idempotency key is required")
	}

	p, err := r.repo.Get(ctx, in.ProposalID)
	if err != nil {
		return nil, domain.WrapError(domain.CodeExecutionFailed, "proposal lookup failed", err)
	}
	if p == nil {
		return nil, domain.NewError(domain.CodeNotFound, "proposal not found")
	}

	// Replay: тот же ключ на executed — отдаем прежний результат без вызова
	// цели. Другой ключ на executed — жесткий отказ.
	if p.Status == domain.StatusExecuted {
		if p.IdempotencyKey != nil && *p.IdempotencyKey == in.IdempotencyKey {
			out := ""
			if p.OutputHash != nil {
				out = *p.OutputHash
			}
			return &Result{Proposal: p, OutputHash: out, Replayed: true}, nil
		}
		return nil, domain.NewError(domain.CodeAlreadyExecuted, "proposal was already executed with a different idempotency key")
	}
	if p.Status == domain.StatusInflight {
		return nil, domain.NewError(domain.CodeConflict, "execution attempt is already in flight")
	}

	c, ok := r.registry.Get(p.CapabilityID)
	if !ok {
		return nil, domain.Errorf(domain.CodeCapabilityNotFound, "capability %s is not registered", p.CapabilityID)
	}

	if err := r.engine.Evaluate(ctx, policy.Request{
		Proposal:   p,
		Capability: c,
		TenantID:   in.TenantID,
		ActorID:    in.ActorID,
		ActorType:  in.ActorType,
	}); err != nil {
		return nil, err
	}

	prior := p.Status
	if err := r.repo.ClaimExecution(ctx, p.ID, in.IdempotencyKey, prior); err != nil {
		if errors.Is(err, domain.ErrStalePrecondition) {
			return nil, domain.NewError(domain.CodeConflict, "execution was claimed concurrently")
		}
		return nil, domain.WrapError(domain.CodeExecutionFailed, "execution claim failed", err)
	}

	output, callErr := r.invoke(ctx, c, p.Preview.Input)
	if callErr != nil {
		// Возврат claim: предложение снова доступно для повторной попытки
		if relErr := r.repo.ReleaseClaim(ctx, p.ID, prior); relErr != nil {
			r.logger.Error("claim release failed", zap.String("proposal_id", p.ID), zap.Error(relErr))
		}
		r.audit(in, p, c, domain.ActionExecutionFailed, "")
		if _, coded := domain.CodeOf(callErr); coded {
			return nil, callErr
		}
		return nil, domain.WrapError(domain.CodeExecutionFailed, "target invocation failed", callErr)
	}

	outputHash := hashOutput(output)
	if err := r.repo.FinishExecution(ctx, p.ID, outputHash); err != nil {
		// Вызов прошел, фиксация — нет. Claim не возвращаем: повтор вызова
		// был бы вторым side effect. Инцидент разбирается по журналу.
		r.logger.Error("execution finish failed", zap.String("proposal_id", p.ID), zap.Error(err))
		r.audit(in, p, c, domain.ActionExecutionFailed, outputHash)
		return nil, domain.WrapError(domain.CodeExecutionFailed, "execution result persistence failed", err)
	}

	r.audit(in, p, c, domain.ActionProposalExecuted, outputHash)

	done, err := r.repo.Get(ctx, p.ID)
	if err != nil || done == nil {
		done = p
	}
	return &Result{Proposal: done, OutputHash: outputHash, Replayed: false}, nil
}

// RollbackInput — запрос на откат исполненного предложения.
type RollbackInput struct {
	ProposalID     string
	Reason         string
	IdempotencyKey string
	TenantID       string
	ActorID        string
	ActorType      domain.ActorType
}

// Rollback запускает откат: executed -> rollback_requested -> rolled_back.
// Повтор после сбоя допустим из rollback_requested с тем же ключом.
func (r *Runner) Rollback(ctx context.Context, in RollbackInput) (*domain.Proposal, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return nil, domain.NewError(domain.CodeValidation, "rollback reason is required")
	}

	p, err := r.repo.Get(ctx, in.ProposalID)
	if err != nil {
		return nil, domain.WrapError(domain.CodeExecutionFailed, "proposal lookup failed", err)
	}
	if p == nil {
		return nil, domain.NewError(domain.CodeNotFound, "proposal not found")
	}
	if p.Status != domain.StatusExecuted && p.Status != domain.StatusRollbackRequested {
		return nil, domain.Errorf(domain.CodeConflict, "rollback is not allowed from status %s", p.Status)
	}
	if p.IdempotencyKey == nil || *p.IdempotencyKey != in.IdempotencyKey {
		return nil, domain.NewError(domain.CodeValidation, "idempotency key does not match the executed attempt")
	}

	c, ok := r.registry.Get(p.CapabilityID)
	if !ok {
		return nil, domain.Errorf(domain.CodeCapabilityNotFound, "capability %s is not registered", p.CapabilityID)
	}

	if err := r.engine.Evaluate(ctx, policy.Request{
		Proposal:   p,
		Capability: c,
		TenantID:   in.TenantID,
		ActorID:    in.ActorID,
		ActorType:  in.ActorType,
	}); err != nil {
		return nil, err
	}

	rev, ok := r.reverser(c.Target)
	if !ok {
		return nil, domain.Errorf(domain.CodeRollbackUnsupported, "target %s does not support rollback", c.Target)
	}

	if p.Status == domain.StatusExecuted {
		if err := r.repo.RequestRollback(ctx, p.ID); err != nil {
			if errors.Is(err, domain.ErrStalePrecondition) {
				return nil, domain.NewError(domain.CodeConflict, "rollback was requested concurrently")
			}
			return nil, domain.WrapError(domain.CodeExecutionFailed, "rollback request failed", err)
		}
	}

	if _, err := rev.Reverse(ctx, p.Preview.Input); err != nil {
		// Статус остается rollback_requested: повтор разрешен с тем же ключом
		r.audit(in2exec(in), p, c, domain.ActionRollbackFailed, "")
		if _, coded := domain.CodeOf(err); coded {
			return nil, err
		}
		return nil, domain.WrapError(domain.CodeRollbackFailed, "target rollback failed", err)
	}

	if err := r.repo.FinishRollback(ctx, p.ID, r.now().UTC()); err != nil {
		r.logger.Error("rollback finish failed", zap.String("proposal_id", p.ID), zap.Error(err))
		r.audit(in2exec(in), p, c, domain.ActionRollbackFailed, "")
		return nil, domain.WrapError(domain.CodeRollbackFailed, "rollback result persistence failed", err)
	}

	r.audit(in2exec(in), p, c, domain.ActionProposalRolledBack, "")

	done, err := r.repo.Get(ctx, p.ID)
	if err != nil || done == nil {
		done = p
	}
	return done, nil
}

// invoke направляет команду в локальный хендлер или внешний коннектор.
func (r *Runner) invoke(ctx context.Context, c domain.Capability, command []byte) ([]byte, error) {
	if h, ok := r.handlers[c.Target]; ok {
		return h.Execute(ctx, command)
	}
	conn, ok := r.set.Get(c.Target)
	if !ok {
		return nil, domain.Errorf(domain.CodeCapabilityNotFound, "target %s has no registered connector", c.Target)
	}
	if c.ReadOnly {
		return conn.ReadStatus(ctx)
	}
	return conn.Execute(ctx, command)
}

func (r *Runner) reverser(target string) (Reverser, bool) {
	if h, ok := r.handlers[target]; ok {
		rev, ok := h.(Reverser)
		return rev, ok
	}
	if conn, ok := r.set.Get(target); ok {
		rev, ok := conn.(Reverser)
		return rev, ok
	}
	return nil, false
}

func (r *Runner) audit(in ExecuteInput, p *domain.Proposal, c domain.Capability, action, outputHash string) {
	meta := domain.EventMetadata{
		Proposal: &domain.ProposalMeta{
			ProposalID:     p.ID,
			TenantID:       p.TenantID,
			IdempotencyKey: in.IdempotencyKey,
		},
	}
	if _, isConnector := r.set.Get(c.Target); isConnector {
		meta.Connector = &domain.ConnectorMeta{ConnectorID: c.Target}
	}
	r.ledger.Record(domain.AuditEvent{
		ActorType:     in.ActorType,
		ActorID:       in.ActorID,
		Action:        action,
		Target:        c.ID,
		ApprovalState: string(p.Status),
		InputHash:     p.InputHash,
		OutputHash:    outputHash,
		Metadata:      meta,
	})
}

func in2exec(in RollbackInput) ExecuteInput {
	return ExecuteInput{
		ProposalID:     in.ProposalID,
		IdempotencyKey: in.IdempotencyKey,
		TenantID:       in.TenantID,
		ActorID:        in.ActorID,
		ActorType:      in.ActorType,
	}
}

// hashOutput: выход цели — обычно JSON, тогда хеш канонический;
// произвольные байты хешируются как есть.
func hashOutput(output []byte) string {
	if len(output) == 0 {
		return canon.SHA256Hex(nil)
	}
	if h, err := canon.HashJSON(output); err == nil {
		return h
	}
	return canon.SHA256Hex(output)
}
