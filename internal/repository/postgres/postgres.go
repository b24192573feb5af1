package postgres

/*
Пакет postgres — единственная персистентность шлюза. Один пул на процесс,
методы разложены по файлам по доменам (proposals, audit, policy, quotas, users).

Все переходы статусов предложений — одиночные UPDATE с предусловием
WHERE status = $n: проигравший гонку не находит строку и получает
domain.ErrStalePrecondition.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct {
	pool *pgxpool.Pool
}

// NewRepo создает пул соединений. Доступность базы проверяется в main через Ping.
func NewRepo(ctx context.Context, connString string) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection string: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool init failed: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Ping проверяет доступность базы при старте.
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repo) Close() {
	r.pool.Close()
}
