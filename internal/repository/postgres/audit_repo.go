package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/capgate/internal/domain"
)

// WriteBatch сохраняет пачку событий журнала за один INSERT.
// Таблица append-only: путей update/delete у репозитория нет.
func (r *Repo) WriteBatch(ctx context.Context, events []domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_events
	numFields := 11
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11)

		meta, _ := json.Marshal(e.Metadata)

		vals = append(vals,
			e.ID, e.At, e.ActorType, e.ActorID, e.Action,
			e.Rationale, e.Target, e.ApprovalState, e.InputHash, e.OutputHash, meta,
		)
	}

	query := fmt.Sprintf(
		`INSERT INTO audit_events (id, at, actor_type, actor_id, action, rationale, target, approval_state, input_hash, output_hash, metadata) VALUES %s`,
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.pool.Exec(ctx, query, vals...)
	if err != nil {
		return fmt.Errorf("postgres: audit batch insert failed: %w", err)
	}
	return nil
}

// Fetch — выборка журнала по фильтру, новые строки первыми.
func (r *Repo) Fetch(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	query := `
		SELECT id, at, actor_type, actor_id, action, rationale, target, approval_state, input_hash, output_hash, metadata
		FROM audit_events`

	var args []interface{}
	conds := make([]string, 0, 3)
	if filter.ActionPrefix != "" {
		args = append(args, filter.ActionPrefix+"%")
		conds = append(conds, fmt.Sprintf("action LIKE $%d", len(args)))
	}
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		conds = append(conds, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if filter.ApprovalState != "" {
		args = append(args, filter.ApprovalState)
		conds = append(conds, fmt.Sprintf("approval_state = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit events: %w", err)
	}
	defer rows.Close()

	results := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var e domain.AuditEvent
		var meta []byte
		err := rows.Scan(
			&e.ID, &e.At, &e.ActorType, &e.ActorID, &e.Action,
			&e.Rationale, &e.Target, &e.ApprovalState, &e.InputHash, &e.OutputHash, &meta,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: bad audit metadata (id: %s): %w", e.ID, err)
			}
		}
		results = append(results, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
