package scorecard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/snapshot"
	"go.uber.org/zap"
)

type stubSnapshots struct{ snap *snapshot.Snapshot }

func (s *stubSnapshots) Current() *snapshot.Snapshot { return s.snap }

type stubLedger struct {
	rows []domain.AuditEvent
	err  error
}

func (s *stubLedger) Fetch(_ context.Context, _ domain.AuditFilter) ([]domain.AuditEvent, error) {
	return s.rows, s.err
}

func newKeeper(t *testing.T, snaps *stubSnapshots, ledger *stubLedger, now time.Time) *Keeper {
	t.Helper()
	k := NewKeeper(snaps, ledger, 30*time.Second, 0.95, zap.NewNop())
	k.now = func() time.Time { return now }
	return k
}

func metricByKey(t *testing.T, sc domain.Scorecard, key string) domain.ScoreMetric {
	t.Helper()
	for _, m := range sc.Metrics {
		if m.Key == key {
			return m
		}
	}
	t.Fatalf("metric %s missing from scorecard", key)
	return domain.ScoreMetric{}
}

func healthRow(ok bool) domain.ConnectorHealth { return domain.ConnectorHealth{OK: ok} }

func executedRow(tenant string) domain.AuditEvent {
	return domain.AuditEvent{
		Action:   domain.ActionProposalExecuted,
		Metadata: domain.EventMetadata{Proposal: &domain.ProposalMeta{ProposalID: "p-1", TenantID: tenant}},
	}
}

func TestScorecardAllGreen(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	snaps := &stubSnapshots{snap: &snapshot.Snapshot{
		ComputedAt: now.Add(-10 * time.Second),
		Connectors: []domain.ConnectorHealth{healthRow(true), healthRow(true)},
	}}
	ledger := &stubLedger{rows: []domain.AuditEvent{executedRow("tenant-a")}}

	sc := newKeeper(t, snaps, ledger, now).Latest(context.Background())
	if sc.OverallStatus != domain.MetricOK {
		t.Errorf("overall = %s, want ok: %+v", sc.OverallStatus, sc.Metrics)
	}
	if sc.LastBreachAt != nil {
		t.Error("breach timestamp set on a green scorecard")
	}
}

func TestScorecardStaleSnapshot(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	snaps := &stubSnapshots{snap: &snapshot.Snapshot{ComputedAt: now.Add(-2 * time.Minute)}}
	ledger := &stubLedger{}

	sc := newKeeper(t, snaps, ledger, now).Latest(context.Background())
	m := metricByKey(t, sc, "snapshot_freshness")
	if m.Status != domain.MetricCritical {
		t.Errorf("stale snapshot status = %s, want critical", m.Status)
	}
	if sc.OverallStatus != domain.MetricCritical {
		t.Errorf("overall = %s, want critical", sc.OverallStatus)
	}
	if sc.LastBreachAt == nil || !sc.LastBreachAt.Equal(now) {
		t.Errorf("breach timestamp = %v, want %v", sc.LastBreachAt, now)
	}
}

func TestScorecardNoSnapshotYet(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	sc := newKeeper(t, &stubSnapshots{}, &stubLedger{}, now).Latest(context.Background())

	m := metricByKey(t, sc, "snapshot_freshness")
	if m.Status != domain.MetricCritical {
		t.Errorf("missing snapshot status = %s, want critical", m.Status)
	}
}

func TestScorecardConnectorHealth(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		healthy int
		total   int
		want    domain.MetricStatus
	}{
		{"all healthy", 10, 10, domain.MetricOK},
		{"nine of ten", 9, 10, domain.MetricWarning},
		{"half down", 4, 10, domain.MetricCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conns := make([]domain.ConnectorHealth, 0, tt.total)
			for i := 0; i < tt.total; i++ {
				conns = append(conns, healthRow(i < tt.healthy))
			}
			snaps := &stubSnapshots{snap: &snapshot.Snapshot{
				ComputedAt: now, Connectors: conns,
			}}

			sc := newKeeper(t, snaps, &stubLedger{}, now).Latest(context.Background())
			m := metricByKey(t, sc, "connector_health")
			if m.Status != tt.want {
				t.Errorf("status = %s, want %s (value %f)", m.Status, tt.want, m.Value)
			}
		})
	}
}

func TestScorecardTenantCompleteness(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	snaps := &stubSnapshots{snap: &snapshot.Snapshot{ComputedAt: now}}

	// Одна строка без tenant — critical, частичной дыры в атрибуции не бывает
	ledger := &stubLedger{rows: []domain.AuditEvent{
		executedRow("tenant-a"),
		executedRow(""),
		executedRow("tenant-b"),
	}}
	sc := newKeeper(t, snaps, ledger, now).Latest(context.Background())
	m := metricByKey(t, sc, "tenant_context_completeness")
	if m.Status != domain.MetricCritical {
		t.Errorf("status = %s, want critical", m.Status)
	}

	// Сбой выборки журнала — fail closed
	sc = newKeeper(t, snaps, &stubLedger{err: errors.New("db down")}, now).Latest(context.Background())
	m = metricByKey(t, sc, "tenant_context_completeness")
	if m.Status != domain.MetricCritical {
		t.Errorf("fetch failure status = %s, want critical", m.Status)
	}
}

func TestScorecardBreachTimestampSticks(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	snaps := &stubSnapshots{snap: &snapshot.Snapshot{ComputedAt: now.Add(-2 * time.Minute)}}
	k := newKeeper(t, snaps, &stubLedger{}, now)

	sc := k.recompute(context.Background())
	if sc.LastBreachAt == nil {
		t.Fatal("breach not recorded")
	}
	breach := *sc.LastBreachAt

	// Снимок поправился: overall снова ok, но метка последнего нарушения остается
	snaps.snap = &snapshot.Snapshot{ComputedAt: now}
	sc = k.recompute(context.Background())
	if sc.OverallStatus != domain.MetricOK {
		t.Fatalf("overall = %s, want ok", sc.OverallStatus)
	}
	if sc.LastBreachAt == nil || !sc.LastBreachAt.Equal(breach) {
		t.Error("recovery must keep the last breach timestamp")
	}
}
