package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/capgate/internal/domain"
)

// Increment атомарно увеличивает счетчик окна на стороне БД.
// RETURNING отдает новое значение за один проход — read-modify-write
// в приложении запрещен, lost update невозможен.
func (r *Repo) Increment(ctx context.Context, bucket string, windowStart time.Time) (int64, error) {
	query := `
		INSERT INTO quota_buckets (bucket, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (bucket, window_start) DO UPDATE
		SET count = quota_buckets.count + 1
		RETURNING count`

	var count int64
	if err := r.pool.QueryRow(ctx, query, bucket, windowStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: quota increment failed: %w", err)
	}
	return count, nil
}

func (r *Repo) GetBucket(ctx context.Context, bucket string, windowStart time.Time) (*domain.QuotaBucket, error) {
	query := `SELECT bucket, window_start, count FROM quota_buckets WHERE bucket = $1 AND window_start = $2`

	var b domain.QuotaBucket
	err := r.pool.QueryRow(ctx, query, bucket, windowStart).Scan(&b.Bucket, &b.WindowStart, &b.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get quota bucket: %w", err)
	}
	return &b, nil
}

// ListBuckets — текущие окна для read-model. Прошлые окна не отдаем:
// они уже ни на что не влияют.
func (r *Repo) ListBuckets(ctx context.Context) ([]domain.QuotaBucket, error) {
	query := `
		SELECT bucket, window_start, count FROM quota_buckets
		WHERE window_start > NOW() - INTERVAL '1 hour'
		ORDER BY bucket, window_start DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query quota buckets: %w", err)
	}
	defer rows.Close()

	results := make([]domain.QuotaBucket, 0)
	for rows.Next() {
		var b domain.QuotaBucket
		if err := rows.Scan(&b.Bucket, &b.WindowStart, &b.Count); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan quota bucket: %w", err)
		}
		results = append(results, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// ResetBucket удаляет все окна бакета. Вызывается только привилегированным
// путем, который уже записал строку аудита.
func (r *Repo) ResetBucket(ctx context.Context, bucket string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM quota_buckets WHERE bucket = $1`, bucket)
	if err != nil {
		return fmt.Errorf("postgres: quota reset failed: %w", err)
	}
	return nil
}
