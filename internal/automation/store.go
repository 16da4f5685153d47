package automation

import (
	"context"
	"sort"
	"sync"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

// Store persists automation definitions. Missing ids yield domain.ErrNotFound.
type Store interface {
	Create(ctx context.Context, a Automation) error
	Get(ctx context.Context, id string) (Automation, error)
	List(ctx context.Context) ([]Automation, error)
	SetPaused(ctx context.Context, id string, paused bool) error
	Delete(ctx context.Context, id string) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Automation
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Automation)}
}

func (m *MemoryStore) Create(_ context.Context, a Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[a.ID]; exists {
		return domain.InvariantError("automation %s already exists", a.ID)
	}
	m.items[a.ID] = a.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[id]
	if !ok {
		return Automation{}, domain.ErrNotFound
	}
	return a.clone(), nil
}

// List returns automations oldest first.
func (m *MemoryStore) List(_ context.Context) ([]Automation, error) {
	m.mu.RLock()
	out := make([]Automation, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, a.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SetPaused(_ context.Context, id string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Paused = paused
	m.items[id] = a
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, id)
	return nil
}
