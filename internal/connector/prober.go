package connector

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/capgate/internal/domain"
	"go.uber.org/zap"
)

// Prober периодически опрашивает health всех коннекторов и держит
// point-in-time снимок в памяти. Снимок не персистится.
// Ретраи разрешены только здесь: проба идемпотентна по определению.
type Prober struct {
	set      *Set
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	health map[string]domain.ConnectorHealth
}

func NewProber(set *Set, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{
		set:      set,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("prober"),
		health:   make(map[string]domain.ConnectorHealth),
	}
}

// Run крутит цикл проб до отмены контекста. Первая проба — сразу.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll опрашивает все коннекторы и обновляет снимок.
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, id := range p.set.IDs() {
		c, ok := p.set.Get(id)
		if !ok {
			continue
		}
		p.update(p.probe(ctx, c))
	}
}

func (p *Prober) probe(ctx context.Context, c Connector) domain.ConnectorHealth {
	var health domain.ConnectorHealth

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
	).Do(func() error {
		tCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		h, err := c.Health(tCtx)
		if err != nil {
			return err
		}
		health = h
		return nil
	})

	if err != nil {
		p.logger.Warn("health probe failed",
			zap.String("connector", c.ID()), zap.Error(err))
		return domain.ConnectorHealth{ID: c.ID(), OK: false}
	}
	health.ID = c.ID()
	return health
}

func (p *Prober) update(h domain.ConnectorHealth) {
	p.mu.Lock()
	p.health[h.ID] = h
	p.mu.Unlock()
}

// Snapshot — текущее здоровье всех коннекторов в стабильном порядке.
func (p *Prober) Snapshot() []domain.ConnectorHealth {
	ids := p.set.IDs()

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.ConnectorHealth, 0, len(ids))
	for _, id := range ids {
		if h, ok := p.health[id]; ok {
			out = append(out, h)
		} else {
			out = append(out, domain.ConnectorHealth{ID: id, OK: false})
		}
	}
	return out
}
