package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/capgate/internal/domain"
)

// GetKillSwitch читает синглтон. Отсутствие строки = выключен.
func (r *Repo) GetKillSwitch(ctx context.Context) (domain.KillSwitch, error) {
	query := `SELECT enabled, updated_at, updated_by, rationale FROM kill_switch WHERE id = 1`

	var ks domain.KillSwitch
	err := r.pool.QueryRow(ctx, query).Scan(&ks.Enabled, &ks.UpdatedAt, &ks.UpdatedBy, &ks.Rationale)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.KillSwitch{}, nil
		}
		return domain.KillSwitch{}, fmt.Errorf("postgres: failed to get kill switch: %w", err)
	}
	return ks, nil
}

// SetKillSwitch — upsert синглтона (id всегда 1).
func (r *Repo) SetKillSwitch(ctx context.Context, ks domain.KillSwitch) error {
	query := `
		INSERT INTO kill_switch (id, enabled, updated_at, updated_by, rationale)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at,
		    updated_by = EXCLUDED.updated_by, rationale = EXCLUDED.rationale`

	_, err := r.pool.Exec(ctx, query, ks.Enabled, ks.UpdatedAt, ks.UpdatedBy, ks.Rationale)
	if err != nil {
		return fmt.Errorf("postgres: failed to set kill switch: %w", err)
	}
	return nil
}

func (r *Repo) CreateExemption(ctx context.Context, e *domain.PolicyExemption) error {
	query := `
		INSERT INTO policy_exemptions (id, capability_id, owner_uid, justification, approved_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.CapabilityID, e.OwnerUID, e.Justification, e.ApprovedBy, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create exemption: %w", err)
	}
	return nil
}

// RevokeExemption проставляет отзыв только если exemption еще не отозван
// (защита от Double Decision, как в переходах предложений).
func (r *Repo) RevokeExemption(ctx context.Context, id, revokedBy string, at time.Time) error {
	query := `
		UPDATE policy_exemptions
		SET revoked_at = $1, revoked_by = $2
		WHERE id = $3 AND revoked_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, at, revokedBy, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to revoke exemption: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStalePrecondition
	}
	return nil
}

func (r *Repo) GetExemption(ctx context.Context, id string) (*domain.PolicyExemption, error) {
	query := `
		SELECT id, capability_id, owner_uid, justification, approved_by, created_at, expires_at, revoked_at, revoked_by
		FROM policy_exemptions WHERE id = $1`

	e, err := scanExemption(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get exemption: %w", err)
	}
	return e, nil
}

func (r *Repo) ListExemptions(ctx context.Context) ([]domain.PolicyExemption, error) {
	query := `
		SELECT id, capability_id, owner_uid, justification, approved_by, created_at, expires_at, revoked_at, revoked_by
		FROM policy_exemptions ORDER BY created_at DESC LIMIT 500`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query exemptions: %w", err)
	}
	defer rows.Close()

	results := make([]domain.PolicyExemption, 0)
	for rows.Next() {
		e, err := scanExemption(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan exemption: %w", err)
		}
		results = append(results, *e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// FindMatching — живой exemption под (capID, ownerUID|*). Экспирация
// вычисляется здесь же: протухшие строки не свипятся, а просто не матчатся.
func (r *Repo) FindMatching(ctx context.Context, capID, ownerUID string, now time.Time) (*domain.PolicyExemption, error) {
	query := `
		SELECT id, capability_id, owner_uid, justification, approved_by, created_at, expires_at, revoked_at, revoked_by
		FROM policy_exemptions
		WHERE capability_id = $1
		  AND (owner_uid = '' OR owner_uid = $2)
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY created_at DESC
		LIMIT 1`

	e, err := scanExemption(r.pool.QueryRow(ctx, query, capID, ownerUID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to find exemption: %w", err)
	}
	return e, nil
}

func scanExemption(row rowScanner) (*domain.PolicyExemption, error) {
	var e domain.PolicyExemption
	err := row.Scan(
		&e.ID, &e.CapabilityID, &e.OwnerUID, &e.Justification, &e.ApprovedBy,
		&e.CreatedAt, &e.ExpiresAt, &e.RevokedAt, &e.RevokedBy,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
