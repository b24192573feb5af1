package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/infra"
	"go.uber.org/zap"
)

// KillSwitchRepository — персистентность синглтона kill-switch.
type KillSwitchRepository interface {
	GetKillSwitch(ctx context.Context) (domain.KillSwitch, error)
	SetKillSwitch(ctx context.Context, ks domain.KillSwitch) error
}

// Store — явный сервис process-wide состояния политики вместо голого глобала.
// Чтения идут из RAM (last-known-good), запись всегда через авторитетный репозиторий.
type Store struct {
	mu       sync.RWMutex
	ks       domain.KillSwitch
	degraded bool

	repo   KillSwitchRepository
	rdb    *redis.Client
	ledger Recorder
	logger *zap.Logger
}

// Recorder — локальный контракт на запись аудита (реализует ledger.Ledger).
type Recorder interface {
	Record(event domain.AuditEvent)
}

func NewStore(repo KillSwitchRepository, rdb *redis.Client, rec Recorder, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		rdb:    rdb,
		ledger: rec,
		logger: logger.Named("policy-store"),
	}
}

// Init загружает авторитетное состояние при старте.
func (s *Store) Init(ctx context.Context) error {
	return s.Refresh(ctx)
}

// Refresh перечитывает состояние из репозитория.
// Write-path обязан вызывать его перед исполнением: кэш годен только для чтений.
func (s *Store) Refresh(ctx context.Context) error {
	ks, err := s.repo.GetKillSwitch(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ks = ks
	s.mu.Unlock()
	return nil
}

// KillSwitch — неблокирующее чтение last-known-good.
func (s *Store) KillSwitch() domain.KillSwitch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ks
}

// SetKillSwitch — привилегированное переключение. Rationale обязателен.
func (s *Store) SetKillSwitch(ctx context.Context, enabled bool, actorID, rationale string) error {
	if len(strings.TrimSpace(rationale)) < domain.MinRationaleLen {
		return domain.Errorf(domain.CodeValidation, "rationale must be at least %d characters", domain.MinRationaleLen)
	}

	ks := domain.KillSwitch{
		Enabled:   enabled,
		UpdatedAt: time.Now().UTC(),
		UpdatedBy: actorID,
		Rationale: rationale,
	}
	if err := s.repo.SetKillSwitch(ctx, ks); err != nil {
		return domain.WrapError(domain.CodeExecutionFailed, "kill switch persistence failed", err)
	}

	s.mu.Lock()
	s.ks = ks
	s.mu.Unlock()

	s.ledger.Record(domain.AuditEvent{
		ActorType: domain.ActorStaff,
		ActorID:   actorID,
		Action:    domain.ActionKillSwitchToggled,
		Rationale: rationale,
		Target:    "policy/kill-switch",
		Metadata:  domain.EventMetadata{Policy: &domain.PolicyMeta{Enabled: &enabled}},
	})

	s.publish(ctx, infra.RedisChanKillSwitch)
	return nil
}

// Degraded — ручной деградированный режим: блокирует все write-capability,
// включая те, что под exemption.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Store) SetDegraded(ctx context.Context, enabled bool, actorID, rationale string) error {
	if len(strings.TrimSpace(rationale)) < domain.MinRationaleLen {
		return domain.Errorf(domain.CodeValidation, "rationale must be at least %d characters", domain.MinRationaleLen)
	}

	s.mu.Lock()
	s.degraded = enabled
	s.mu.Unlock()

	s.ledger.Record(domain.AuditEvent{
		ActorType: domain.ActorStaff,
		ActorID:   actorID,
		Action:    domain.ActionDegradedToggled,
		Rationale: rationale,
		Target:    "ops/degraded",
		Metadata:  domain.EventMetadata{Policy: &domain.PolicyMeta{Enabled: &enabled}},
	})

	s.publish(ctx, infra.RedisChanDegraded)
	return nil
}

func (s *Store) publish(ctx context.Context, channel string) {
	if s.rdb == nil {
		return // single-instance режим без Redis
	}
	if err := s.rdb.Publish(ctx, channel, "refresh").Err(); err != nil {
		// Сигнал не критичен: другие инстансы догонят через Refresh по подписке
		s.logger.Warn("policy signal delivery failed",
			zap.String("channel", channel), zap.Error(err))
	}
}

// StartListener подписывается на сигналы политики и перечитывает состояние.
// Живучая подписка: переподключение с ресинхронизацией при каждом коннекте.
func (s *Store) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	for {
		pubsub := s.rdb.Subscribe(ctx, infra.RedisChanKillSwitch, infra.RedisChanDegraded)

		if _, err := pubsub.Receive(ctx); err != nil {
			s.logger.Error("failed to subscribe to policy channels", zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		// Синхронизация при каждом успешном коннекте
		if err := s.Refresh(ctx); err != nil {
			s.logger.Error("policy sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // канал закрыт, идем на переподключение
				}
				if err := s.Refresh(ctx); err != nil {
					s.logger.Error("policy refresh failed",
						zap.String("channel", msg.Channel), zap.Error(err))
				}
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}
