package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
	"go.uber.org/zap"
)

// countingConn считает, сколько раз вызовы реально дошли до "удаленной" системы.
type countingConn struct {
	name  string
	fail  atomic.Bool
	calls atomic.Int64
}

func (c *countingConn) ID() string { return c.name }

func (c *countingConn) Health(_ context.Context) (domain.ConnectorHealth, error) {
	c.calls.Add(1)
	return domain.ConnectorHealth{ID: c.name, OK: !c.fail.Load()}, nil
}

func (c *countingConn) ReadStatus(_ context.Context) ([]byte, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("remote unavailable")
	}
	return []byte(`{"state":"idle"}`), nil
}

func (c *countingConn) Execute(_ context.Context, _ []byte) ([]byte, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("remote unavailable")
	}
	return []byte(`{"accepted":true}`), nil
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

func TestGuardedReadOnly(t *testing.T) {
	inner := &countingConn{name: "door-lock"}
	g := NewGuarded(inner, GuardSettings{ReadOnly: true}, zap.NewNop(), nil)

	_, err := g.Execute(context.Background(), []byte(`{"cmd":"open"}`))
	wantCode(t, err, domain.CodeConnectorReadOnly)
	if inner.calls.Load() != 0 {
		t.Error("read-only rejection must not reach the remote system")
	}

	// Чтения проходят
	if _, err := g.ReadStatus(context.Background()); err != nil {
		t.Errorf("read on a read-only connector denied: %v", err)
	}
}

func TestGuardedBreakerOpens(t *testing.T) {
	inner := &countingConn{name: "pump-ctl"}
	inner.fail.Store(true)

	var opened atomic.Bool
	g := NewGuarded(inner, GuardSettings{CBFailures: 2}, zap.NewNop(), func(_ string, open bool) {
		if open {
			opened.Store(true)
		}
	})
	ctx := context.Background()

	// Два последовательных сбоя открывают предохранитель
	for i := 0; i < 2; i++ {
		if _, err := g.Execute(ctx, nil); err == nil {
			t.Fatal("failing remote reported success")
		}
	}
	if !opened.Load() {
		t.Fatal("breaker did not open after consecutive failures")
	}

	// Fail fast: удаленная система больше не трогается
	before := inner.calls.Load()
	_, err := g.Execute(ctx, nil)
	wantCode(t, err, domain.CodeConnectorDown)
	if inner.calls.Load() != before {
		t.Error("open breaker still forwarded the call")
	}
}

func TestGuardedHealthBypassesBreaker(t *testing.T) {
	inner := &countingConn{name: "pump-ctl"}
	inner.fail.Store(true)
	g := NewGuarded(inner, GuardSettings{CBFailures: 1}, zap.NewNop(), nil)
	ctx := context.Background()

	if _, err := g.Execute(ctx, nil); err == nil {
		t.Fatal("failing remote reported success")
	}

	// Проба обязана дойти до системы даже при открытом предохранителе,
	// иначе восстановление никогда не будет замечено
	before := inner.calls.Load()
	h, err := g.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.OK {
		t.Error("failing remote reported healthy")
	}
	if inner.calls.Load() != before+1 {
		t.Error("health probe did not reach the remote system")
	}
}

func TestGuardedTimeout(t *testing.T) {
	inner := NewMock("slow-device")
	inner.Latency = 200 * time.Millisecond
	g := NewGuarded(inner, GuardSettings{CallTimeout: 10 * time.Millisecond}, zap.NewNop(), nil)

	_, err := g.Execute(context.Background(), nil)
	wantCode(t, err, domain.CodeConnectorDown)
}
