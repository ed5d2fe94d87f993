package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/commute-matching/internal/models"
)

var (
	ErrNotFound   = errors.New("participant not found")
	ErrAliasTaken = errors.New("alias already taken")
)

// Registry is the source of truth for participant profiles. The matching
// index is a projection of it and never writes here. Aliases are unique
// across participants; Put returns ErrAliasTaken when another id holds one.
type Registry interface {
	Get(ctx context.Context, id string) (models.Participant, error)
	Put(ctx context.Context, p models.Participant) error
	Delete(ctx context.Context, id string) error
}

// Lister streams every stored participant, used to rebuild the index.
type Lister interface {
	List(ctx context.Context, fn func(models.Participant) error) error
}

type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
	aliases      map[string]string // alias -> id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]models.Participant),
		aliases:      make(map[string]string),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) Put(ctx context.Context, p models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.aliases[p.Alias]; ok && owner != p.ID {
		return ErrAliasTaken
	}
	if prev, ok := m.participants[p.ID]; ok && prev.Alias != p.Alias {
		delete(m.aliases, prev.Alias)
	}
	m.aliases[p.Alias] = p.ID
	m.participants[p.ID] = clone(p)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.aliases, p.Alias)
	delete(m.participants, id)
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.participants)
}

func (m *MemoryStore) List(ctx context.Context, fn func(models.Participant) error) error {
	m.mu.RLock()
	all := make([]models.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		all = append(all, clone(p))
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, p := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// clone copies the day slice so callers cannot mutate stored state.
func clone(p models.Participant) models.Participant {
	p.Schedule.Days = append([]time.Weekday(nil), p.Schedule.Days...)
	return p
}
