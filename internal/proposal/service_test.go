package proposal_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/proposal"
	"github.com/xela07ax/capgate/internal/registry"
	"github.com/xela07ax/capgate/internal/repository/memory"
	"go.uber.org/zap"
)

type captureRecorder struct{ events []domain.AuditEvent }

func (r *captureRecorder) Record(e domain.AuditEvent) { r.events = append(r.events, e) }

func (r *captureRecorder) has(action string) bool {
	for _, e := range r.events {
		if e.Action == action {
			return true
		}
	}
	return false
}

func newService(t *testing.T) (*proposal.Service, *captureRecorder) {
	t.Helper()
	reg, err := registry.New([]domain.Capability{
		{
			ID: "restart-pump", Target: "mock-device", RiskTier: domain.TierMedium,
			RequiresApproval: true, RateLimit: domain.RateLimit{PerMinute: 10},
		},
		{
			ID: "purge-reactor", Target: "mock-device", RiskTier: domain.TierCritical,
			RequiresApproval: true, RateLimit: domain.RateLimit{PerHour: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := &captureRecorder{}
	return proposal.NewService(memory.NewStore(), reg, rec, zap.NewNop()), rec
}

func draftInput(capID string) proposal.CreateInput {
	return proposal.CreateInput{
		ActorType:    domain.ActorAgent,
		ActorID:      "agent-1",
		OwnerUID:     "agent-1",
		TenantID:     "tenant-a",
		CapabilityID: capID,
		Rationale:    "pump stalled, restart needed",
		Input:        json.RawMessage(`{"pump":"p-7"}`),
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

func TestCreate(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, draftInput("restart-pump"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusDraft {
		t.Errorf("status = %s, want draft", p.Status)
	}
	if p.InputHash == "" {
		t.Error("input hash was not computed")
	}
	if len(p.Preview.ExpectedEffects) == 0 {
		t.Error("preview has no effects")
	}
	if !rec.has(domain.ActionProposalCreated) {
		t.Error("creation was not audited")
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	in := draftInput("no-such-cap")
	_, err := svc.Create(ctx, in)
	wantCode(t, err, domain.CodeCapabilityNotFound)

	in = draftInput("restart-pump")
	in.Rationale = "   "
	_, err = svc.Create(ctx, in)
	wantCode(t, err, domain.CodeValidation)

	in = draftInput("restart-pump")
	in.TenantID = ""
	_, err = svc.Create(ctx, in)
	wantCode(t, err, domain.CodeValidation)

	in = draftInput("restart-pump")
	in.Input = json.RawMessage(`{broken`)
	_, err = svc.Create(ctx, in)
	wantCode(t, err, domain.CodeValidation)
}

func TestCreateHashIgnoresFormatting(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a := draftInput("restart-pump")
	a.Input = json.RawMessage(`{"pump":"p-7","mode":"soft"}`)
	b := draftInput("restart-pump")
	b.Input = json.RawMessage("{ \"mode\": \"soft\",\n  \"pump\": \"p-7\" }")

	pa, err := svc.Create(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := svc.Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if pa.InputHash != pb.InputHash {
		t.Error("semantically equal inputs must hash the same")
	}
}

func TestApprove(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, draftInput("restart-pump"))
	if err != nil {
		t.Fatal(err)
	}

	// Medium tier: автор может аппрувить сам
	got, err := svc.Approve(ctx, p.ID, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.ApprovedBy == nil || *got.ApprovedBy != "agent-1" {
		t.Error("approver was not recorded")
	}
	if !rec.has(domain.ActionProposalApproved) {
		t.Error("approval was not audited")
	}

	// Повторный аппрув — конфликт
	_, err = svc.Approve(ctx, p.ID, "staff-1")
	wantCode(t, err, domain.CodeConflict)
}

func TestApproveTwoPersonRule(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, draftInput("purge-reactor"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Approve(ctx, p.ID, "agent-1")
	wantCode(t, err, domain.CodeSelfApprovalDenied)

	// Другой человек проходит
	if _, err := svc.Approve(ctx, p.ID, "staff-1"); err != nil {
		t.Errorf("distinct approver denied: %v", err)
	}
}

func TestReject(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, draftInput("restart-pump"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Reject(ctx, p.ID, "staff-1", "")
	wantCode(t, err, domain.CodeValidation)

	got, err := svc.Reject(ctx, p.ID, "staff-1", "wrong pump id")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if got.RejectReason == nil || *got.RejectReason != "wrong pump id" {
		t.Error("reject reason was not recorded")
	}
}

func TestReopen(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, draftInput("restart-pump"))
	if err != nil {
		t.Fatal(err)
	}

	// Reopen из draft запрещен
	_, err = svc.Reopen(ctx, p.ID, "agent-1", "trying again")
	wantCode(t, err, domain.CodeConflict)

	if _, err := svc.Reject(ctx, p.ID, "staff-1", "wrong pump id"); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Reopen(ctx, p.ID, "agent-1", "fixed the pump id")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDraft {
		t.Errorf("status = %s, want draft", got.Status)
	}
	if got.RejectReason != nil || got.ApprovedBy != nil {
		t.Error("reopen must clear the approval trail")
	}
}

func TestDryRun(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, draftInput("purge-reactor"))
	if err != nil {
		t.Fatal(err)
	}
	auditBefore := len(rec.events)

	preview, err := svc.DryRun(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if preview.Summary != p.Preview.Summary {
		t.Errorf("dry-run drifted from stored preview: %q vs %q", preview.Summary, p.Preview.Summary)
	}

	// Dry-run — чистое чтение: ни статуса, ни аудита
	again, err := svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != domain.StatusDraft {
		t.Errorf("dry-run changed status to %s", again.Status)
	}
	if len(rec.events) != auditBefore {
		t.Error("dry-run left an audit row")
	}
}

func TestGetNotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Get(context.Background(), "missing")
	wantCode(t, err, domain.CodeNotFound)
}
