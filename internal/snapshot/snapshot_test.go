package snapshot_test

import (
	"context"
	"testing"

	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/policy"
	"github.com/xela07ax/capgate/internal/quota"
	"github.com/xela07ax/capgate/internal/registry"
	"github.com/xela07ax/capgate/internal/repository/memory"
	"github.com/xela07ax/capgate/internal/snapshot"
	"go.uber.org/zap"
)

type nopRecorder struct{}

func (nopRecorder) Record(domain.AuditEvent) {}

type stubConns struct{ health []domain.ConnectorHealth }

func (s *stubConns) Snapshot() []domain.ConnectorHealth { return s.health }

type builderEnv struct {
	builder    *snapshot.Builder
	store      *policy.Store
	exemptions *policy.Exemptions
}

func newBuilderEnv(t *testing.T) *builderEnv {
	t.Helper()
	logger := zap.NewNop()
	mem := memory.NewStore()

	reg, err := registry.New([]domain.Capability{
		{ID: "restart-pump", Target: "pump-ctl", RiskTier: domain.TierMedium, RateLimit: domain.RateLimit{PerMinute: 5}},
		{ID: "read-telemetry", Target: "pump-ctl", RiskTier: domain.TierLow, ReadOnly: true, RateLimit: domain.RateLimit{PerMinute: 60}},
	})
	if err != nil {
		t.Fatal(err)
	}

	store := policy.NewStore(mem, nil, nopRecorder{}, logger)
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	exemptions := policy.NewExemptions(mem, nil, nopRecorder{}, logger)
	conns := &stubConns{health: []domain.ConnectorHealth{{ID: "pump-ctl", OK: true}}}

	return &builderEnv{
		builder:    snapshot.NewBuilder(reg, store, exemptions, conns, mem, quota.NewManager(mem, nopRecorder{}, logger), logger),
		store:      store,
		exemptions: exemptions,
	}
}

func capView(t *testing.T, snap *snapshot.Snapshot, id string) snapshot.CapabilityView {
	t.Helper()
	for _, v := range snap.Capabilities {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("capability %s missing from snapshot", id)
	return snapshot.CapabilityView{}
}

func TestRebuildBlockedUnderKillSwitch(t *testing.T) {
	e := newBuilderEnv(t)
	ctx := context.Background()

	if err := e.builder.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	snap := e.builder.Current()
	if snap == nil {
		t.Fatal("snapshot missing after rebuild")
	}
	if capView(t, snap, "restart-pump").Blocked {
		t.Error("write capability blocked without kill switch")
	}

	if err := e.store.SetKillSwitch(ctx, true, "staff-1", "incident response"); err != nil {
		t.Fatal(err)
	}
	if err := e.builder.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	snap = e.builder.Current()

	if !capView(t, snap, "restart-pump").Blocked {
		t.Error("write capability not blocked under kill switch")
	}
	if capView(t, snap, "read-telemetry").Blocked {
		t.Error("read-only capability blocked under kill switch")
	}
	if !snap.KillSwitch.Enabled {
		t.Error("snapshot does not carry the kill switch state")
	}
}

func TestRebuildGlobalExemptionUnblocks(t *testing.T) {
	e := newBuilderEnv(t)
	ctx := context.Background()

	if err := e.store.SetKillSwitch(ctx, true, "staff-1", "incident response"); err != nil {
		t.Fatal(err)
	}

	// Per-owner exemption в каталожном снимке не виден: авторитетная проверка
	// происходит в момент исполнения
	if _, err := e.exemptions.Create(ctx, "restart-pump", "owner-1", "scoped bypass", "staff-1", nil); err != nil {
		t.Fatal(err)
	}
	if err := e.builder.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if !capView(t, e.builder.Current(), "restart-pump").Blocked {
		t.Error("per-owner exemption must not unblock the catalog view")
	}

	// Глобальный (owner_uid == "") exemption снимает блокировку
	if _, err := e.exemptions.Create(ctx, "restart-pump", "", "global bypass", "staff-1", nil); err != nil {
		t.Fatal(err)
	}
	if err := e.builder.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if capView(t, e.builder.Current(), "restart-pump").Blocked {
		t.Error("global exemption did not unblock the capability")
	}
}

func TestRebuildConnectorOverlay(t *testing.T) {
	e := newBuilderEnv(t)
	if err := e.builder.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	v := capView(t, e.builder.Current(), "restart-pump")
	if v.ConnectorOK == nil || !*v.ConnectorOK {
		t.Error("connector health overlay missing")
	}
}
