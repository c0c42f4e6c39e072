package rotation

import (
	"context"
	"sort"
	"sync"
	"time"

	"revealgate.dev/internal/ids"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	policies map[string]Policy
	leases   map[string]time.Time
	history  []History
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]Policy), leases: make(map[string]time.Time)}
}

func (m *MemoryStore) Get(_ context.Context, name string) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[name]
	if !ok {
		return Policy{}, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Policy, error) {
	m.mu.Lock()
	out := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, clonePolicy(p))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, p Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.Name] = clonePolicy(p)
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time) ([]Policy, error) {
	all, _ := m.List(ctx)
	out := all[:0]
	for _, p := range all {
		if p.Due(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) Claim(_ context.Context, name string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[name]; !ok {
		return false, ErrPolicyNotFound
	}
	if held, ok := m.leases[name]; ok && held.After(now) {
		return false, nil
	}
	m.leases[name] = until
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.leases, name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Advance(_ context.Context, name string, prevNext, last, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[name]
	if !ok {
		return false, ErrPolicyNotFound
	}
	if !p.NextRotation.Equal(prevNext) {
		return false, nil
	}
	p.LastRotation = last
	p.NextRotation = next
	m.policies[name] = p
	delete(m.leases, name)
	return true, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, h History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == "" {
		h.ID = ids.NewAt(h.RotatedAt)
	}
	m.history = append(m.history, h)
	return nil
}

func (m *MemoryStore) ListHistory(_ context.Context, policy string, limit int) ([]History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []History
	for i := len(m.history) - 1; i >= 0; i-- {
		h := m.history[i]
		if policy != "" && h.Policy != policy {
			continue
		}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func clonePolicy(p Policy) Policy {
	if p.Filter != nil {
		f := make(map[string]string, len(p.Filter))
		for k, v := range p.Filter {
			f[k] = v
		}
		p.Filter = f
	}
	return p
}
