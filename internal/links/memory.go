package links

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	links map[string]*Link
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]*Link)}
}

func (m *MemoryStore) Insert(_ context.Context, l Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[l.ID]; ok {
		return fmt.Errorf("%w: duplicate link id", ErrInvalidInput)
	}
	cp := l
	m.links[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return Link{}, ErrLinkNotFound
	}
	return *l, nil
}

func (m *MemoryStore) Consume(_ context.Context, id string, now time.Time, acc Access) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return Link{}, ErrLinkNotFound
	}
	if err := l.Check(now); err != nil {
		return *l, err
	}
	l.CurrentUses++
	l.LastAccessedAt = now
	l.LastAccessIP = acc.IP
	return *l, nil
}

func (m *MemoryStore) Refund(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return ErrLinkNotFound
	}
	if l.CurrentUses > 0 {
		l.CurrentUses--
	}
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, id, owner string) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return Link{}, ErrLinkNotFound
	}
	if l.Creator != owner {
		return Link{}, ErrNotOwner
	}
	l.Active = false
	return *l, nil
}

func (m *MemoryStore) ListByCreator(_ context.Context, creator string, limit int) ([]Link, error) {
	m.mu.Lock()
	out := make([]Link, 0)
	for _, l := range m.links {
		if l.Creator == creator {
			out = append(out, *l)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
