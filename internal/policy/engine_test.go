package policy

import (
	"context"
	"testing"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/quota"
	"github.com/xela07ax/capgate/internal/repository/memory"
	"go.uber.org/zap"
)

type captureRecorder struct{ events []domain.AuditEvent }

func (r *captureRecorder) Record(e domain.AuditEvent) { r.events = append(r.events, e) }

func (r *captureRecorder) last() *domain.AuditEvent {
	if len(r.events) == 0 {
		return nil
	}
	return &r.events[len(r.events)-1]
}

type engineFixture struct {
	engine     *Engine
	store      *Store
	exemptions *Exemptions
	rec        *captureRecorder
	mem        *memory.Store
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	mem := memory.NewStore()
	rec := &captureRecorder{}
	logger := zap.NewNop()

	store := NewStore(mem, nil, rec, logger)
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	exemptions := NewExemptions(mem, nil, rec, logger)
	quotas := quota.NewManager(mem, rec, logger)

	return &engineFixture{
		engine:     NewEngine(store, exemptions, quotas, rec, logger),
		store:      store,
		exemptions: exemptions,
		rec:        rec,
		mem:        mem,
	}
}

func writeRequest(status domain.ProposalStatus) Request {
	return Request{
		Proposal: &domain.Proposal{
			ID: "p-1", TenantID: "tenant-a", OwnerUID: "owner-1",
			CapabilityID: "cap-1", Status: status,
		},
		Capability: domain.Capability{ID: "cap-1", Target: "mock", RiskTier: domain.TierMedium},
		TenantID:   "tenant-a",
		ActorID:    "actor-1",
		ActorType:  domain.ActorAgent,
	}
}

func wantCode(t *testing.T, err error, want domain.Code) {
	t.Helper()
	code, ok := domain.CodeOf(err)
	if !ok {
		t.Fatalf("error has no stable code: %v", err)
	}
	if code != want {
		t.Fatalf("code = %s, want %s", code, want)
	}
}

func TestEvaluateTenantMismatch(t *testing.T) {
	f := newEngineFixture(t)
	req := writeRequest(domain.StatusApproved)
	req.TenantID = "tenant-b"

	err := f.engine.Evaluate(context.Background(), req)
	wantCode(t, err, domain.CodeTenantMismatch)

	last := f.rec.last()
	if last == nil || last.Action != domain.ActionProposalDenied {
		t.Fatalf("deny was not audited: %+v", last)
	}
	if last.Metadata.Policy == nil || last.Metadata.Policy.DenyCode != domain.CodeTenantMismatch {
		t.Error("audit row does not carry the deny code")
	}
}

func TestEvaluateKillSwitch(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.store.SetKillSwitch(context.Background(), true, "staff-1", "physical incident"); err != nil {
		t.Fatal(err)
	}

	err := f.engine.Evaluate(context.Background(), writeRequest(domain.StatusApproved))
	wantCode(t, err, domain.CodeKillSwitchActive)

	if last := f.rec.last(); last == nil || last.Action != domain.ActionKillSwitchDenied {
		t.Fatalf("kill switch deny was not audited: %+v", last)
	}
}

func TestEvaluateKillSwitchReadOnlyPasses(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.store.SetKillSwitch(context.Background(), true, "staff-1", "physical incident"); err != nil {
		t.Fatal(err)
	}

	req := writeRequest(domain.StatusApproved)
	req.Capability.ReadOnly = true
	if err := f.engine.Evaluate(context.Background(), req); err != nil {
		t.Errorf("read-only capability blocked by kill switch: %v", err)
	}
}

func TestEvaluateExemption(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	if err := f.store.SetKillSwitch(ctx, true, "staff-1", "physical incident"); err != nil {
		t.Fatal(err)
	}

	// Exemption на другого владельца не помогает
	if _, err := f.exemptions.Create(ctx, "cap-1", "other-owner", "maintenance access", "staff-2", nil); err != nil {
		t.Fatal(err)
	}
	err := f.engine.Evaluate(ctx, writeRequest(domain.StatusApproved))
	wantCode(t, err, domain.CodeKillSwitchActive)

	// Подходящий exemption пропускает и аудируется
	if _, err := f.exemptions.Create(ctx, "cap-1", "owner-1", "approved bypass for drill", "staff-2", nil); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Evaluate(ctx, writeRequest(domain.StatusApproved)); err != nil {
		t.Fatalf("matching exemption did not pass: %v", err)
	}

	found := false
	for _, e := range f.rec.events {
		if e.Action == domain.ActionExemptionApplied {
			found = true
		}
	}
	if !found {
		t.Error("exemption application was not audited")
	}
}

func TestEvaluateExpiredExemption(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	if err := f.store.SetKillSwitch(ctx, true, "staff-1", "physical incident"); err != nil {
		t.Fatal(err)
	}

	// Создаем живой exemption, затем двигаем его expiry в прошлое напрямую
	e, err := f.exemptions.Create(ctx, "cap-1", "", "short lived bypass", "staff-2", nil)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Minute)
	e.ExpiresAt = &past
	if err := f.mem.CreateExemption(ctx, e); err != nil {
		t.Fatal(err)
	}

	err = f.engine.Evaluate(ctx, writeRequest(domain.StatusApproved))
	wantCode(t, err, domain.CodeKillSwitchActive)
}

func TestEvaluateDegradedBlocksWrites(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	if err := f.store.SetDegraded(ctx, true, "staff-1", "infra incident"); err != nil {
		t.Fatal(err)
	}

	err := f.engine.Evaluate(ctx, writeRequest(domain.StatusApproved))
	wantCode(t, err, domain.CodeDegradedMode)

	// Exemption в деградированном режиме не действует
	if _, err := f.exemptions.Create(ctx, "cap-1", "", "bypass attempt", "staff-2", nil); err != nil {
		t.Fatal(err)
	}
	err = f.engine.Evaluate(ctx, writeRequest(domain.StatusApproved))
	wantCode(t, err, domain.CodeDegradedMode)

	// Чтения продолжают работать
	req := writeRequest(domain.StatusApproved)
	req.Capability.ReadOnly = true
	if err := f.engine.Evaluate(ctx, req); err != nil {
		t.Errorf("read-only capability blocked in degraded mode: %v", err)
	}
}

func TestEvaluateApprovalRequired(t *testing.T) {
	f := newEngineFixture(t)

	req := writeRequest(domain.StatusDraft)
	req.Capability.RequiresApproval = true
	err := f.engine.Evaluate(context.Background(), req)
	wantCode(t, err, domain.CodeApprovalRequired)

	req = writeRequest(domain.StatusApproved)
	req.Capability.RequiresApproval = true
	if err := f.engine.Evaluate(context.Background(), req); err != nil {
		t.Errorf("approved proposal denied: %v", err)
	}

	// Rollback-контур: executed уже прошел аппрув
	req = writeRequest(domain.StatusExecuted)
	req.Capability.RequiresApproval = true
	if err := f.engine.Evaluate(context.Background(), req); err != nil {
		t.Errorf("executed proposal denied on rollback path: %v", err)
	}
}

func TestEvaluateRateLimit(t *testing.T) {
	f := newEngineFixture(t)
	req := writeRequest(domain.StatusApproved)
	req.Capability.RateLimit = domain.RateLimit{PerMinute: 1}

	if err := f.engine.Evaluate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	err := f.engine.Evaluate(context.Background(), req)
	wantCode(t, err, domain.CodeRateLimited)

	last := f.rec.last()
	if last == nil || last.Action != domain.ActionProposalDenied || last.Metadata.Quota == nil {
		t.Fatalf("quota denial audit is missing bucket metadata: %+v", last)
	}
}
