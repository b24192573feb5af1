package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
	"go.uber.org/zap"
)

// Repository — хранилище счетчиков окон. Инкремент обязан быть атомарным
// (upsert с count = count + 1 на уровне БД или CAS в памяти).
type Repository interface {
	// Increment атомарно увеличивает счетчик окна и возвращает новое значение
	Increment(ctx context.Context, bucket string, windowStart time.Time) (int64, error)
	GetBucket(ctx context.Context, bucket string, windowStart time.Time) (*domain.QuotaBucket, error)
	ListBuckets(ctx context.Context) ([]domain.QuotaBucket, error)
	ResetBucket(ctx context.Context, bucket string) error
}

// Recorder — запись аудита (сброс квоты обязан оставлять след).
type Recorder interface {
	Record(event domain.AuditEvent)
}

// Manager — фиксированные окна per (actorId, capabilityId).
// Граница окна выравнивается на гранулярность capability.
type Manager struct {
	repo   Repository
	ledger Recorder
	logger *zap.Logger
	now    func() time.Time // подменяется в тестах
}

func NewManager(repo Repository, rec Recorder, logger *zap.Logger) *Manager {
	return &Manager{
		repo:   repo,
		ledger: rec,
		logger: logger.Named("quota"),
		now:    time.Now,
	}
}

// Allow инкрементит счетчики всех настроенных окон capability.
// Каждая попытка учитывается, в том числе завершившаяся отказом.
// При превышении возвращается бакет окна и RATE_LIMITED с retry-after.
func (m *Manager) Allow(ctx context.Context, actorID string, c domain.Capability) (*domain.QuotaBucket, error) {
	now := m.now()

	type window struct {
		g     domain.Granularity
		limit int64
	}
	windows := make([]window, 0, 2)
	if c.RateLimit.PerMinute > 0 {
		windows = append(windows, window{domain.WindowMinute, int64(c.RateLimit.PerMinute)})
	}
	if c.RateLimit.PerHour > 0 {
		windows = append(windows, window{domain.WindowHour, int64(c.RateLimit.PerHour)})
	}

	for _, w := range windows {
		ws := w.g.Truncate(now)
		key := domain.BucketKey(actorID, c.ID, w.g)

		count, err := m.repo.Increment(ctx, key, ws)
		if err != nil {
			return nil, domain.WrapError(domain.CodeExecutionFailed, "quota increment failed", err)
		}
		if count > w.limit {
			bucket := &domain.QuotaBucket{Bucket: key, WindowStart: ws, Count: count}
			retryAfter := ws.Add(w.g.Duration()).Sub(now)
			return bucket, &domain.CodedError{
				Code:       domain.CodeRateLimited,
				Message:    fmt.Sprintf("rate limit exceeded for %s (%d/%d per %s)", c.ID, count, w.limit, w.g),
				RetryAfter: retryAfter,
			}
		}
	}

	// Cooldown — то же фиксированное окно шириной cooldown_seconds и лимитом 1
	if c.CooldownSeconds > 0 {
		d := time.Duration(c.CooldownSeconds) * time.Second
		ws := now.Truncate(d)
		key := fmt.Sprintf("%s:%s:cooldown", actorID, c.ID)

		count, err := m.repo.Increment(ctx, key, ws)
		if err != nil {
			return nil, domain.WrapError(domain.CodeExecutionFailed, "cooldown increment failed", err)
		}
		if count > 1 {
			bucket := &domain.QuotaBucket{Bucket: key, WindowStart: ws, Count: count}
			return bucket, &domain.CodedError{
				Code:       domain.CodeRateLimited,
				Message:    fmt.Sprintf("capability %s is cooling down", c.ID),
				RetryAfter: ws.Add(d).Sub(now),
			}
		}
	}

	return nil, nil
}

// Snapshot — текущее состояние всех бакетов для API.
func (m *Manager) Snapshot(ctx context.Context) ([]domain.QuotaBucket, error) {
	buckets, err := m.repo.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = []domain.QuotaBucket{}
	}
	return buckets, nil
}

// Reset — привилегированный сброс бакета. Reason обязателен и аудируется.
func (m *Manager) Reset(ctx context.Context, bucket, actorID, reason string) error {
	if len(strings.TrimSpace(reason)) < domain.MinRationaleLen {
		return domain.Errorf(domain.CodeValidation, "reason must be at least %d characters", domain.MinRationaleLen)
	}

	if err := m.repo.ResetBucket(ctx, bucket); err != nil {
		return domain.WrapError(domain.CodeExecutionFailed, "quota reset failed", err)
	}

	m.ledger.Record(domain.AuditEvent{
		ActorType: domain.ActorStaff,
		ActorID:   actorID,
		Action:    domain.ActionQuotaReset,
		Rationale: reason,
		Target:    bucket,
		Metadata:  domain.EventMetadata{Quota: &domain.QuotaMeta{Bucket: bucket}},
	})

	m.logger.Info("quota bucket reset",
		zap.String("bucket", bucket), zap.String("actor", actorID))
	return nil
}
