package connector

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/capgate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardSettings — параметры надежности одного коннектора.
type GuardSettings struct {
	ReadOnly    bool
	CallTimeout time.Duration

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBFailures    uint32

	// Сглаживание потока запросов к удаленной системе.
	// Не заменяет аудируемые квоты: это защита самого коннектора.
	RatePerSec float64
	RateBurst  int
}

func (s *GuardSettings) defaults() {
	if s.CallTimeout <= 0 {
		s.CallTimeout = 10 * time.Second
	}
	if s.CBMaxRequests == 0 {
		s.CBMaxRequests = 3
	}
	if s.CBInterval <= 0 {
		s.CBInterval = 5 * time.Second
	}
	if s.CBTimeout <= 0 {
		s.CBTimeout = 30 * time.Second
	}
	if s.CBFailures == 0 {
		s.CBFailures = 5
	}
	if s.RatePerSec <= 0 {
		s.RatePerSec = 50
	}
	if s.RateBurst <= 0 {
		s.RateBurst = 10
	}
}

// Guarded оборачивает коннектор предохранителем, таймаутом и read-only режимом.
// Read-only навязывается здесь, на границе коннектора, а не только на уровне
// capability — defense in depth для физических категорий (замки, питание).
type Guarded struct {
	inner    Connector
	readOnly bool
	timeout  time.Duration
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	logger   *zap.Logger

	onStateChange func(id string, open bool)
}

func NewGuarded(inner Connector, settings GuardSettings, logger *zap.Logger, onStateChange func(id string, open bool)) *Guarded {
	settings.defaults()

	g := &Guarded{
		inner:         inner,
		readOnly:      settings.ReadOnly,
		timeout:       settings.CallTimeout,
		limiter:       rate.NewLimiter(rate.Limit(settings.RatePerSec), settings.RateBurst),
		logger:        logger.With(zap.String("connector", inner.ID())),
		onStateChange: onStateChange,
	}

	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.ID(),
		MaxRequests: settings.CBMaxRequests,
		Interval:    settings.CBInterval,
		Timeout:     settings.CBTimeout, // пауза, после которой CB пробует закрыться
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.CBFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
			if g.onStateChange != nil {
				g.onStateChange(name, to == gobreaker.StateOpen)
			}
		},
	})

	return g
}

func (g *Guarded) ID() string { return g.inner.ID() }

// Health идет напрямую: проба обязана дойти до удаленной системы,
// иначе открытый предохранитель никогда не увидит восстановления.
func (g *Guarded) Health(ctx context.Context) (domain.ConnectorHealth, error) {
	return g.inner.Health(ctx)
}

func (g *Guarded) ReadStatus(ctx context.Context) ([]byte, error) {
	return g.call(ctx, func(ctx context.Context) ([]byte, error) {
		return g.inner.ReadStatus(ctx)
	})
}

func (g *Guarded) Execute(ctx context.Context, command []byte) ([]byte, error) {
	// Read-only проверяется до предохранителя: отказ конфигурации,
	// а не отказ удаленной системы
	if g.readOnly {
		return nil, domain.Errorf(domain.CodeConnectorReadOnly,
			"connector %s is configured read-only", g.inner.ID())
	}
	return g.call(ctx, func(ctx context.Context) ([]byte, error) {
		return g.inner.Execute(ctx, command)
	})
}

func (g *Guarded) call(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, domain.WrapError(domain.CodeConnectorDown, "connector rate limiter", err)
	}

	result, err := g.cb.Execute(func() (interface{}, error) {
		tCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(tCtx)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Fail fast без обращения к удаленной системе
			return nil, domain.WrapError(domain.CodeConnectorDown,
				"circuit breaker is open for "+g.inner.ID(), err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.WrapError(domain.CodeConnectorDown,
				"connector call timed out", err)
		}
		return nil, err
	}

	return result.([]byte), nil
}
