package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/policy"
	"github.com/xela07ax/capgate/internal/proposal"
	"github.com/xela07ax/capgate/internal/registry"
	"go.uber.org/zap"
)

// ConnectorSource — здоровье коннекторов по последней пробе.
type ConnectorSource interface {
	Snapshot() []domain.ConnectorHealth
}

// ExemptionSource — живой список exemption со статусами.
type ExemptionSource interface {
	List(ctx context.Context) ([]policy.ExemptionView, error)
}

// ProposalSource — выборка предложений для read-model.
type ProposalSource interface {
	List(ctx context.Context, filter proposal.ListFilter) ([]domain.Proposal, error)
}

// QuotaSource — текущие бакеты квот.
type QuotaSource interface {
	Snapshot(ctx context.Context) ([]domain.QuotaBucket, error)
}

// CapabilityView — capability с наложенным состоянием политики.
type CapabilityView struct {
	domain.Capability
	// Blocked: write-capability под включенным kill-switch без живого
	// «для всех» exemption. Per-owner exemption здесь не виден —
	// авторитетную проверку делает Policy Engine в момент исполнения.
	Blocked     bool  `json:"blocked"`
	ConnectorOK *bool `json:"connector_ok,omitempty"`
}

// Snapshot — point-in-time read-model. Строится фоном, отдается из RAM,
// write-path его никогда не читает.
type Snapshot struct {
	ComputedAt    time.Time                `json:"computed_at"`
	Capabilities  []CapabilityView         `json:"capabilities"`
	KillSwitch    domain.KillSwitch        `json:"kill_switch"`
	Degraded      bool                     `json:"degraded"`
	Exemptions    []policy.ExemptionView   `json:"exemptions"`
	Connectors    []domain.ConnectorHealth `json:"connectors"`
	OpenProposals int                      `json:"open_proposals"`
	Quotas        []domain.QuotaBucket     `json:"quotas"`
}

// Builder пересобирает снимок по таймеру. Сбой сборки оставляет прежний
// снимок на месте: протухание поймает скоркард через ComputedAt.
type Builder struct {
	registry   *registry.Registry
	store      *policy.Store
	exemptions ExemptionSource
	connectors ConnectorSource
	proposals  ProposalSource
	quotas     QuotaSource
	logger     *zap.Logger

	mu      sync.RWMutex
	current *Snapshot
}

func NewBuilder(reg *registry.Registry, store *policy.Store, ex ExemptionSource, conns ConnectorSource, props ProposalSource, quotas QuotaSource, logger *zap.Logger) *Builder {
	return &Builder{
		registry:   reg,
		store:      store,
		exemptions: ex,
		connectors: conns,
		proposals:  props,
		quotas:     quotas,
		logger:     logger.Named("snapshot"),
	}
}

// Run крутит пересборку до отмены контекста. Первая сборка — сразу.
func (b *Builder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := b.Rebuild(ctx); err != nil {
		b.logger.Error("initial snapshot build failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Rebuild(ctx); err != nil {
				b.logger.Error("snapshot rebuild failed", zap.Error(err))
			}
		}
	}
}

// Rebuild собирает новый снимок и атомарно подменяет текущий.
func (b *Builder) Rebuild(ctx context.Context) error {
	now := time.Now().UTC()

	exemptions, err := b.exemptions.List(ctx)
	if err != nil {
		return err
	}

	open, err := b.proposals.List(ctx, proposal.ListFilter{
		Statuses: []domain.ProposalStatus{
			domain.StatusDraft, domain.StatusApproved, domain.StatusInflight,
			domain.StatusRollbackRequested,
		},
	})
	if err != nil {
		return err
	}

	buckets, err := b.quotas.Snapshot(ctx)
	if err != nil {
		return err
	}

	health := b.connectors.Snapshot()
	healthByID := make(map[string]bool, len(health))
	for _, h := range health {
		healthByID[h.ID] = h.OK
	}

	ks := b.store.KillSwitch()

	// Глобальные (owner_uid == "") живые exemption по capability
	globalExempt := make(map[string]bool)
	for _, e := range exemptions {
		if e.Status == domain.ExemptionActive && e.OwnerUID == "" {
			globalExempt[e.CapabilityID] = true
		}
	}

	caps := b.registry.List()
	views := make([]CapabilityView, 0, len(caps))
	for _, c := range caps {
		v := CapabilityView{Capability: c}
		if c.IsWrite() && ks.Enabled && !globalExempt[c.ID] {
			v.Blocked = true
		}
		if ok, known := healthByID[c.Target]; known {
			v.ConnectorOK = &ok
		}
		views = append(views, v)
	}

	snap := &Snapshot{
		ComputedAt:    now,
		Capabilities:  views,
		KillSwitch:    ks,
		Degraded:      b.store.Degraded(),
		Exemptions:    exemptions,
		Connectors:    health,
		OpenProposals: len(open),
		Quotas:        buckets,
	}

	b.mu.Lock()
	b.current = snap
	b.mu.Unlock()
	return nil
}

// Current — последний собранный снимок; nil, пока первая сборка не прошла.
func (b *Builder) Current() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}
