package runner_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xela07ax/capgate/internal/connector"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/policy"
	"github.com/xela07ax/capgate/internal/quota"
	"github.com/xela07ax/capgate/internal/registry"
	"github.com/xela07ax/capgate/internal/repository/memory"
	"github.com/xela07ax/capgate/internal/runner"
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

// valveHandler — локальная обратимая цель.
type valveHandler struct {
	executed int
	reversed int
}

func (h *valveHandler) Execute(_ context.Context, _ []byte) ([]byte, error) {
	h.executed++
	return []byte(`{"valve":"set"}`), nil
}

func (h *valveHandler) Reverse(_ context.Context, _ []byte) ([]byte, error) {
	h.reversed++
	return []byte(`{"valve":"restored"}`), nil
}

type fixture struct {
	runner *runner.Runner
	mem    *memory.Store
	mock   *connector.Mock
	valve  *valveHandler
	rec    *captureRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	mem := memory.NewStore()
	rec := &captureRecorder{}

	reg, err := registry.New([]domain.Capability{
		{
			ID: "restart-pump", Target: "mock-device", RiskTier: domain.TierMedium,
			RequiresApproval: true, RateLimit: domain.RateLimit{PerMinute: 100},
		},
		{
			ID: "adjust-valve", Target: "valve-ctl", RiskTier: domain.TierMedium,
			RequiresApproval: true, RateLimit: domain.RateLimit{PerMinute: 100},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	store := policy.NewStore(mem, nil, rec, logger)
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	engine := policy.NewEngine(
		store,
		policy.NewExemptions(mem, nil, rec, logger),
		quota.NewManager(mem, rec, logger),
		rec, logger,
	)

	mock := connector.NewMock("mock-device")
	mock.Latency = 0
	set := connector.NewSet()
	set.Register(mock)

	valve := &valveHandler{}
	handlers := map[string]runner.Handler{"valve-ctl": valve}

	return &fixture{
		runner: runner.New(mem, reg, engine, set, handlers, rec, logger),
		mem:    mem,
		mock:   mock,
		valve:  valve,
		rec:    rec,
	}
}

func (f *fixture) seed(t *testing.T, id, capID string, status domain.ProposalStatus) *domain.Proposal {
	t.Helper()
	p := &domain.Proposal{
		ID:           id,
		ActorType:    domain.ActorAgent,
		ActorID:      "agent-1",
		OwnerUID:     "agent-1",
		TenantID:     "tenant-a",
		CapabilityID: capID,
		Rationale:    "scheduled maintenance",
		InputHash:    "hash",
		Preview:      domain.Preview{Input: json.RawMessage(`{"cmd":"restart"}`)},
		Status:       status,
	}
	if err := f.mem.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func execInput(id, key string) runner.ExecuteInput {
	return runner.ExecuteInput{
		ProposalID:     id,
		IdempotencyKey: key,
		TenantID:       "tenant-a",
		ActorID:        "agent-1",
		ActorType:      domain.ActorAgent,
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

func TestExecute(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "restart-pump", domain.StatusApproved)

	res, err := f.runner.Execute(context.Background(), execInput("p-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed {
		t.Error("first execution reported as replay")
	}
	if res.OutputHash == "" {
		t.Error("output hash missing")
	}
	if res.Proposal.Status != domain.StatusExecuted {
		t.Errorf("status = %s, want executed", res.Proposal.Status)
	}
	if got := f.mock.Executions(); got != 1 {
		t.Errorf("target called %d times, want 1", got)
	}
	if !f.rec.has(domain.ActionProposalExecuted) {
		t.Error("execution was not audited")
	}
}

func TestExecuteReplay(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "restart-pump", domain.StatusApproved)
	ctx := context.Background()

	first, err := f.runner.Execute(ctx, execInput("p-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}

	// Тот же ключ: прежний результат, цель не вызывается второй раз
	second, err := f.runner.Execute(ctx, execInput("p-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed {
		t.Error("repeat with the same key must be a replay")
	}
	if second.OutputHash != first.OutputHash {
		t.Error("replay returned a different output hash")
	}
	if got := f.mock.Executions(); got != 1 {
		t.Errorf("target called %d times, want 1", got)
	}

	// Другой ключ на executed — жесткий отказ
	_, err = f.runner.Execute(ctx, execInput("p-1", "key-2"))
	wantCode(t, err, domain.CodeAlreadyExecuted)
}

func TestExecuteRequiresKey(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "restart-pump", domain.StatusApproved)

	_, err := f.runner.Execute(context.Background(), execInput("p-1", "  "))
	wantCode(t, err, domain.CodeValidation)
}

func TestExecuteFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "restart-pump", domain.StatusApproved)
	ctx := context.Background()

	f.mock.Fail.Store(true)
	_, err := f.runner.Execute(ctx, execInput("p-1", "key-1"))
	wantCode(t, err, domain.CodeExecutionFailed)
	if !f.rec.has(domain.ActionExecutionFailed) {
		t.Error("failure was not audited")
	}

	// Claim возвращен: предложение снова approved и доступно для повтора
	p, err := f.mem.Get(ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusApproved {
		t.Errorf("status after failure = %s, want approved", p.Status)
	}
	if p.IdempotencyKey != nil {
		t.Error("claim key was not released")
	}

	f.mock.Fail.Store(false)
	if _, err := f.runner.Execute(ctx, execInput("p-1", "key-1")); err != nil {
		t.Errorf("retry after failure denied: %v", err)
	}
}

func TestExecuteDraftDenied(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "restart-pump", domain.StatusDraft)
	ctx := context.Background()

	_, err := f.runner.Execute(ctx, execInput("p-1", "key-1"))
	wantCode(t, err, domain.CodeApprovalRequired)

	// Денай до claim: статус не тронут, цель не вызвана
	p, _ := f.mem.Get(ctx, "p-1")
	if p.Status != domain.StatusDraft {
		t.Errorf("status = %s, want draft", p.Status)
	}
	if f.mock.Executions() != 0 {
		t.Error("denied proposal reached the target")
	}
}

func TestExecuteNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Execute(context.Background(), execInput("missing", "key-1"))
	wantCode(t, err, domain.CodeNotFound)
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "adjust-valve", domain.StatusApproved)
	ctx := context.Background()

	if _, err := f.runner.Execute(ctx, execInput("p-1", "key-1")); err != nil {
		t.Fatal(err)
	}

	in := runner.RollbackInput{
		ProposalID: "p-1", Reason: "valve overshoot", IdempotencyKey: "key-1",
		TenantID: "tenant-a", ActorID: "staff-1", ActorType: domain.ActorStaff,
	}
	p, err := f.runner.Rollback(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.StatusRolledBack {
		t.Errorf("status = %s, want rolled_back", p.Status)
	}
	if f.valve.reversed != 1 {
		t.Errorf("reverse called %d times, want 1", f.valve.reversed)
	}
	if !f.rec.has(domain.ActionProposalRolledBack) {
		t.Error("rollback was not audited")
	}
}

func TestRollbackValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "adjust-valve", domain.StatusApproved)
	ctx := context.Background()

	if _, err := f.runner.Execute(ctx, execInput("p-1", "key-1")); err != nil {
		t.Fatal(err)
	}

	// Без причины
	_, err := f.runner.Rollback(ctx, runner.RollbackInput{
		ProposalID: "p-1", IdempotencyKey: "key-1",
		TenantID: "tenant-a", ActorID: "staff-1", ActorType: domain.ActorStaff,
	})
	wantCode(t, err, domain.CodeValidation)

	// Чужой ключ
	_, err = f.runner.Rollback(ctx, runner.RollbackInput{
		ProposalID: "p-1", Reason: "valve overshoot", IdempotencyKey: "key-2",
		TenantID: "tenant-a", ActorID: "staff-1", ActorType: domain.ActorStaff,
	})
	wantCode(t, err, domain.CodeValidation)
}

func TestRollbackUnsupported(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "restart-pump", domain.StatusApproved)
	ctx := context.Background()

	if _, err := f.runner.Execute(ctx, execInput("p-1", "key-1")); err != nil {
		t.Fatal(err)
	}

	// Mock-коннектор не реализует Reverse
	_, err := f.runner.Rollback(ctx, runner.RollbackInput{
		ProposalID: "p-1", Reason: "undo restart", IdempotencyKey: "key-1",
		TenantID: "tenant-a", ActorID: "staff-1", ActorType: domain.ActorStaff,
	})
	wantCode(t, err, domain.CodeRollbackUnsupported)

	// Неудавшаяся попытка не трогает статус
	p, _ := f.mem.Get(ctx, "p-1")
	if p.Status != domain.StatusExecuted {
		t.Errorf("status = %s, want executed", p.Status)
	}
}

func TestRollbackFromDraftDenied(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p-1", "adjust-valve", domain.StatusDraft)

	_, err := f.runner.Rollback(context.Background(), runner.RollbackInput{
		ProposalID: "p-1", Reason: "nothing to undo", IdempotencyKey: "key-1",
		TenantID: "tenant-a", ActorID: "staff-1", ActorType: domain.ActorStaff,
	})
	wantCode(t, err, domain.CodeConflict)
}
