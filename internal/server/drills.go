package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/capgate/internal/connector"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/registry"
	"go.uber.org/zap"
)

// DrillCheck — один шаг учебного прогона.
type DrillCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// DrillResult — итог учебного прогона готовности.
type DrillResult struct {
	ID     string       `json:"id"`
	RanAt  time.Time    `json:"ran_at"`
	RanBy  string       `json:"ran_by"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Checks []DrillCheck `json:"checks"`
}

const drillHistoryLimit = 50

// Drills — учебные прогоны готовности: пробы всех коннекторов плюс
// sanity-проверки каталога. Целевые системы не мутируются.
// История живет в RAM кольцом, каждый прогон оставляет строку аудита.
type Drills struct {
	set      *connector.Set
	prober   *connector.Prober
	registry *registry.Registry
	resolver registry.TargetResolver
	ledger   interface{ Record(domain.AuditEvent) }
	logger   *zap.Logger

	mu      sync.RWMutex
	history []DrillResult
}

func NewDrills(set *connector.Set, prober *connector.Prober, reg *registry.Registry, resolver registry.TargetResolver, rec interface{ Record(domain.AuditEvent) }, logger *zap.Logger) *Drills {
	return &Drills{
		set:      set,
		prober:   prober,
		registry: reg,
		resolver: resolver,
		ledger:   rec,
		logger:   logger.Named("drills"),
	}
}

// Run исполняет прогон и записывает итог в историю и аудит.
func (d *Drills) Run(ctx context.Context, actorID string) DrillResult {
	result := DrillResult{
		ID:     uuid.New().String(),
		RanAt:  time.Now().UTC(),
		RanBy:  actorID,
		Checks: make([]DrillCheck, 0, 8),
	}

	// 1. Свежая проба каждого коннектора
	d.prober.ProbeAll(ctx)
	for _, h := range d.prober.Snapshot() {
		check := DrillCheck{Name: "connector:" + h.ID, OK: h.OK}
		if !h.OK {
			check.Detail = "health probe failed"
		}
		result.Checks = append(result.Checks, check)
	}

	// 2. Каталог: каждый target должен резолвиться
	report := d.registry.Lint(d.resolver)
	check := DrillCheck{Name: "catalog:lint", OK: len(report.Violations) == 0}
	if !check.OK {
		check.Detail = report.Violations[0].Code + ": " + report.Violations[0].CapabilityID
	}
	result.Checks = append(result.Checks, check)

	for _, c := range result.Checks {
		if c.OK {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	d.mu.Lock()
	d.history = append(d.history, result)
	if len(d.history) > drillHistoryLimit {
		d.history = d.history[len(d.history)-drillHistoryLimit:]
	}
	d.mu.Unlock()

	d.ledger.Record(domain.AuditEvent{
		ActorType: domain.ActorStaff,
		ActorID:   actorID,
		Action:    domain.ActionDrillCompleted,
		Target:    "ops/drills",
		Metadata: domain.EventMetadata{
			Drill: &domain.DrillMeta{DrillID: result.ID, Passed: result.Passed, Failed: result.Failed},
		},
	})

	if result.Failed > 0 {
		d.logger.Warn("drill finished with failures",
			zap.String("drill_id", result.ID), zap.Int("failed", result.Failed))
	}
	return result
}

// History — последние прогоны, новые первыми.
func (d *Drills) History() []DrillResult {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DrillResult, 0, len(d.history))
	for i := len(d.history) - 1; i >= 0; i-- {
		out = append(out, d.history[i])
	}
	return out
}
