package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/proposal"
)

const proposalColumns = `id, created_at, updated_at, actor_type, actor_id, owner_uid, tenant_id,
	capability_id, rationale, input_hash, preview, status,
	approved_by, approved_at, reject_reason, idempotency_key, output_hash, rolled_back_at`

func (r *Repo) Create(ctx context.Context, p *domain.Proposal) error {
	query := `
		INSERT INTO proposals (id, created_at, updated_at, actor_type, actor_id, owner_uid, tenant_id,
		                       capability_id, rationale, input_hash, preview, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.CreatedAt, p.UpdatedAt, p.ActorType, p.ActorID, p.OwnerUID, p.TenantID,
		p.CapabilityID, p.Rationale, p.InputHash, p.Preview, p.Status,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create proposal: %w", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*domain.Proposal, error) {
	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE id = $1`, proposalColumns)

	p, err := scanProposal(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get proposal: %w", err)
	}
	return p, nil
}

func (r *Repo) List(ctx context.Context, filter proposal.ListFilter) ([]domain.Proposal, error) {
	query := fmt.Sprintf(`SELECT %s FROM proposals`, proposalColumns)

	var args []interface{}
	where := ""
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		where = fmt.Sprintf(" WHERE status = ANY($%d)", len(args))
	}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		if where == "" {
			where = fmt.Sprintf(" WHERE tenant_id = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND tenant_id = $%d", len(args))
		}
	}
	query += where + " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query proposals: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]domain.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan proposal: %w", err)
		}
		results = append(results, *p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// Approve: draft -> approved под предусловием.
func (r *Repo) Approve(ctx context.Context, id, approvedBy string, at time.Time) error {
	query := `
		UPDATE proposals
		SET status = $1, approved_by = $2, approved_at = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5`
	return r.transition(ctx, query, domain.StatusApproved, approvedBy, at, id, domain.StatusDraft)
}

// Reject: draft|approved -> rejected. Предусловие — статус, который видел вызывающий.
func (r *Repo) Reject(ctx context.Context, id, reason string, from domain.ProposalStatus) error {
	query := `
		UPDATE proposals
		SET status = $1, reject_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`
	return r.transition(ctx, query, domain.StatusRejected, reason, id, from)
}

// Reopen: rejected -> draft, следы решения стираются.
func (r *Repo) Reopen(ctx context.Context, id string) error {
	query := `
		UPDATE proposals
		SET status = $1, approved_by = NULL, approved_at = NULL, reject_reason = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3`
	return r.transition(ctx, query, domain.StatusDraft, id, domain.StatusRejected)
}

// ClaimExecution: from -> inflight, фиксирует идемпотентный ключ.
func (r *Repo) ClaimExecution(ctx context.Context, id, idempotencyKey string, from domain.ProposalStatus) error {
	query := `
		UPDATE proposals
		SET status = $1, idempotency_key = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`
	return r.transition(ctx, query, domain.StatusInflight, idempotencyKey, id, from)
}

// FinishExecution: inflight -> executed.
func (r *Repo) FinishExecution(ctx context.Context, id, outputHash string) error {
	query := `
		UPDATE proposals
		SET status = $1, output_hash = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`
	return r.transition(ctx, query, domain.StatusExecuted, outputHash, id, domain.StatusInflight)
}

// ReleaseClaim: inflight -> прежний статус, ключ снимается.
func (r *Repo) ReleaseClaim(ctx context.Context, id string, to domain.ProposalStatus) error {
	query := `
		UPDATE proposals
		SET status = $1, idempotency_key = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3`
	return r.transition(ctx, query, to, id, domain.StatusInflight)
}

// RequestRollback: executed -> rollback_requested.
func (r *Repo) RequestRollback(ctx context.Context, id string) error {
	query := `
		UPDATE proposals
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`
	return r.transition(ctx, query, domain.StatusRollbackRequested, id, domain.StatusExecuted)
}

// FinishRollback: rollback_requested -> rolled_back.
func (r *Repo) FinishRollback(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE proposals
		SET status = $1, rolled_back_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`
	return r.transition(ctx, query, domain.StatusRolledBack, at, id, domain.StatusRollbackRequested)
}

// transition выполняет UPDATE с предусловием: 0 строк — проигранная гонка.
func (r *Repo) transition(ctx context.Context, query string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: proposal transition failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStalePrecondition
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*domain.Proposal, error) {
	var p domain.Proposal
	err := row.Scan(
		&p.ID, &p.CreatedAt, &p.UpdatedAt, &p.ActorType, &p.ActorID, &p.OwnerUID, &p.TenantID,
		&p.CapabilityID, &p.Rationale, &p.InputHash, &p.Preview, &p.Status,
		&p.ApprovedBy, &p.ApprovedAt, &p.RejectReason, &p.IdempotencyKey, &p.OutputHash, &p.RolledBackAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
