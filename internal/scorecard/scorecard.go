package scorecard

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/snapshot"
	"go.uber.org/zap"
)

// AuditSource — выборка журнала для проверки полноты tenant-контекста.
type AuditSource interface {
	Fetch(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error)
}

// SnapshotSource — последний собранный read-model снимок.
type SnapshotSource interface {
	Current() *snapshot.Snapshot
}

const completenessSample = 500

// Keeper вычисляет SLO-скоркард: производный сигнал, ничего не персистит.
// Каждая метрика несет владельца и дежурного — скоркард без адресата
// превращается в обои.
type Keeper struct {
	snapshots SnapshotSource
	ledger    AuditSource
	// interval — ожидаемый период пересборки снимка; свежесть меряется от него
	interval time.Duration
	// healthyThreshold — граница warning по доле живых коннекторов
	healthyThreshold float64
	logger           *zap.Logger
	now              func() time.Time

	mu           sync.RWMutex
	latest       *domain.Scorecard
	lastBreachAt *time.Time
}

func NewKeeper(snapshots SnapshotSource, ledger AuditSource, interval time.Duration, healthyThreshold float64, logger *zap.Logger) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if healthyThreshold <= 0 || healthyThreshold > 1 {
		healthyThreshold = 0.95
	}
	return &Keeper{
		snapshots:        snapshots,
		ledger:           ledger,
		interval:         interval,
		healthyThreshold: healthyThreshold,
		logger:           logger.Named("scorecard"),
		now:              time.Now,
	}
}

// Run пересчитывает скоркард по таймеру до отмены контекста.
func (k *Keeper) Run(ctx context.Context) {
	k.recompute(ctx)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.recompute(ctx)
		}
	}
}

// Latest — последний вычисленный скоркард; при отсутствии считает на месте.
func (k *Keeper) Latest(ctx context.Context) domain.Scorecard {
	k.mu.RLock()
	cached := k.latest
	k.mu.RUnlock()
	if cached != nil {
		return *cached
	}
	return k.recompute(ctx)
}

func (k *Keeper) recompute(ctx context.Context) domain.Scorecard {
	now := k.now().UTC()
	metrics := []domain.ScoreMetric{
		k.snapshotFreshness(now),
		k.connectorHealth(),
		k.tenantCompleteness(ctx),
	}

	overall := domain.MetricOK
	for _, m := range metrics {
		overall = domain.Worse(overall, m.Status)
	}

	k.mu.Lock()
	if overall != domain.MetricOK {
		t := now
		k.lastBreachAt = &t
	}
	sc := domain.Scorecard{
		ComputedAt:    now,
		OverallStatus: overall,
		LastBreachAt:  k.lastBreachAt,
		Metrics:       metrics,
	}
	k.latest = &sc
	k.mu.Unlock()

	if overall != domain.MetricOK {
		k.logger.Warn("scorecard breach", zap.String("overall", string(overall)))
	}
	return sc
}

// snapshotFreshness: снимок старше одного периода пересборки — критично,
// read-model без свежести врет операторам.
func (k *Keeper) snapshotFreshness(now time.Time) domain.ScoreMetric {
	m := domain.ScoreMetric{
		Key:    "snapshot_freshness",
		Unit:   "seconds",
		Owner:  "platform",
		OnCall: "gateway-oncall",
	}

	snap := k.snapshots.Current()
	if snap == nil {
		m.Status = domain.MetricCritical
		m.Value = -1
		return m
	}

	age := now.Sub(snap.ComputedAt)
	m.Value = age.Seconds()
	if age > k.interval {
		m.Status = domain.MetricCritical
	} else {
		m.Status = domain.MetricOK
	}
	return m
}

// connectorHealth: доля живых коннекторов. Ниже порога — warning
// (9 из 10 — уже warning, не ok), ниже половины — critical.
func (k *Keeper) connectorHealth() domain.ScoreMetric {
	m := domain.ScoreMetric{
		Key:    "connector_health",
		Unit:   "ratio",
		Owner:  "integrations",
		OnCall: "connector-oncall",
	}

	snap := k.snapshots.Current()
	if snap == nil || len(snap.Connectors) == 0 {
		m.Status = domain.MetricOK
		m.Value = 1
		return m
	}

	healthy := 0
	for _, h := range snap.Connectors {
		if h.OK {
			healthy++
		}
	}
	ratio := float64(healthy) / float64(len(snap.Connectors))
	m.Value = ratio

	switch {
	case ratio < 0.5:
		m.Status = domain.MetricCritical
	case ratio < k.healthyThreshold:
		m.Status = domain.MetricWarning
	default:
		m.Status = domain.MetricOK
	}
	return m
}

// tenantCompleteness: каждая строка аудита исполнения обязана нести tenant.
// Одна строка без tenant — critical: дыра в атрибуции не бывает частичной.
func (k *Keeper) tenantCompleteness(ctx context.Context) domain.ScoreMetric {
	m := domain.ScoreMetric{
		Key:    "tenant_context_completeness",
		Unit:   "ratio",
		Owner:  "platform",
		OnCall: "gateway-oncall",
	}

	rows, err := k.ledger.Fetch(ctx, domain.AuditFilter{
		ActionPrefix: domain.ActionProposalExecuted,
		Limit:        completenessSample,
	})
	if err != nil {
		k.logger.Error("audit fetch for completeness failed", zap.Error(err))
		m.Status = domain.MetricCritical
		m.Value = -1
		return m
	}
	if len(rows) == 0 {
		m.Status = domain.MetricOK
		m.Value = 1
		return m
	}

	complete := 0
	for _, r := range rows {
		if r.Metadata.Proposal != nil && r.Metadata.Proposal.TenantID != "" {
			complete++
		}
	}
	m.Value = float64(complete) / float64(len(rows))
	if complete < len(rows) {
		m.Status = domain.MetricCritical
	} else {
		m.Status = domain.MetricOK
	}
	return m
}
