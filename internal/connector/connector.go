package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/xela07ax/capgate/internal/domain"
)

// Connector — единый контракт внешней (часто физической) системы.
// Health ходит мимо предохранителя: пробы должны видеть восстановление.
type Connector interface {
	ID() string
	Health(ctx context.Context) (domain.ConnectorHealth, error)
	ReadStatus(ctx context.Context) ([]byte, error)
	Execute(ctx context.Context, command []byte) ([]byte, error)
}

// Set — реестр коннекторов, регистрируемых по имени на старте.
type Set struct {
	mu    sync.RWMutex
	items map[string]Connector
}

func NewSet() *Set {
	return &Set{items: make(map[string]Connector)}
}

func (s *Set) Register(c Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.ID()] = c
}

func (s *Set) Get(id string) (Connector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	return c, ok
}

// Resolves реализует registry.TargetResolver для коннекторной части каталога.
func (s *Set) Resolves(target string) bool {
	_, ok := s.Get(target)
	return ok
}

// IDs — стабильный список для проберов и дриллов.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
