package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
)

// Mock — коннектор для локальной разработки и тестов.
// Поведение управляется флагами, реальных систем не трогает.
type Mock struct {
	Name    string
	Latency time.Duration
	// Fail включает постоянные сбои (для проверки предохранителя)
	Fail atomic.Bool
	// Status — то, что вернет ReadStatus
	Status map[string]interface{}

	executions atomic.Int64
}

func NewMock(name string) *Mock {
	return &Mock{
		Name:    name,
		Status:  map[string]interface{}{"state": "idle"},
		Latency: 5 * time.Millisecond,
	}
}

func (m *Mock) ID() string { return m.Name }

func (m *Mock) Health(ctx context.Context) (domain.ConnectorHealth, error) {
	start := time.Now()
	if err := m.sleep(ctx); err != nil {
		return domain.ConnectorHealth{ID: m.Name, OK: false}, err
	}
	if m.Fail.Load() {
		return domain.ConnectorHealth{ID: m.Name, OK: false, LatencyMs: time.Since(start).Milliseconds()}, nil
	}
	return domain.ConnectorHealth{ID: m.Name, OK: true, LatencyMs: time.Since(start).Milliseconds()}, nil
}

func (m *Mock) ReadStatus(ctx context.Context) ([]byte, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	if m.Fail.Load() {
		return nil, fmt.Errorf("connector %s: status read failed", m.Name)
	}
	return json.Marshal(m.Status)
}

func (m *Mock) Execute(ctx context.Context, command []byte) ([]byte, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	if m.Fail.Load() {
		return nil, fmt.Errorf("connector %s: execute failed", m.Name)
	}

	n := m.executions.Add(1)
	return json.Marshal(map[string]interface{}{
		"connector": m.Name,
		"accepted":  true,
		"sequence":  n,
	})
}

// Executions — счетчик реальных вызовов (проверка at-most-once в тестах).
func (m *Mock) Executions() int64 { return m.executions.Load() }

func (m *Mock) sleep(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
