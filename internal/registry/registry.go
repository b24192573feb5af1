package registry

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/capgate/internal/domain"
)

// Registry — read-only каталог действий. Источник правды для risk tier,
// требования аппрува, лимитов и режима read/write. Перезагрузка — только redeploy.
type Registry struct {
	caps     map[string]domain.Capability
	order    []string // порядок файла, чтобы выдача была стабильной
	loadedAt time.Time
}

type catalogFile struct {
	Capabilities []domain.Capability `mapstructure:"capabilities"`
}

// Load читает каталог из YAML. Неизвестные поля — ошибка загрузки,
// а не молчаливое принятие (закрытая схема).
func Load(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("registry: cannot read catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := v.UnmarshalExact(&file); err != nil {
		return nil, fmt.Errorf("registry: catalog schema violation: %w", err)
	}

	return New(file.Capabilities)
}

// New валидирует и индексирует набор capability.
func New(caps []domain.Capability) (*Registry, error) {
	r := &Registry{
		caps:     make(map[string]domain.Capability, len(caps)),
		order:    make([]string, 0, len(caps)),
		loadedAt: time.Now(),
	}

	for i, c := range caps {
		if c.ID == "" {
			return nil, fmt.Errorf("registry: capability #%d has empty id", i)
		}
		if c.Target == "" {
			return nil, fmt.Errorf("registry: capability %s has empty target", c.ID)
		}
		if !c.RiskTier.Valid() {
			return nil, fmt.Errorf("registry: capability %s has unknown risk tier %q", c.ID, c.RiskTier)
		}
		if _, dup := r.caps[c.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate capability id %s", c.ID)
		}
		r.caps[c.ID] = c
		r.order = append(r.order, c.ID)
	}

	return r, nil
}

// Get возвращает копию записи: каталог нельзя мутировать через результат lookup.
func (r *Registry) Get(id string) (domain.Capability, bool) {
	c, ok := r.caps[id]
	return c, ok
}

// List возвращает каталог в порядке файла.
func (r *Registry) List() []domain.Capability {
	out := make([]domain.Capability, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.caps[id])
	}
	return out
}

func (r *Registry) Len() int { return len(r.caps) }

func (r *Registry) LoadedAt() time.Time { return r.loadedAt }
