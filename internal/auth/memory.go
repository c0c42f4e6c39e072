package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"revealgate.dev/internal/ids"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	trusted  map[string]TrustedUser
	doctypes map[string]struct{}
	roles    map[string][]string
	rules    map[RuleKey]FieldPermission
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trusted:  make(map[string]TrustedUser),
		doctypes: make(map[string]struct{}),
		roles:    make(map[string][]string),
		rules:    make(map[RuleKey]FieldPermission),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) IsTrusted(ctx context.Context, user string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.trusted[user]
	return ok && u.Enabled, nil
}

func (s *MemoryStore) IsDocTypeAllowed(ctx context.Context, doctype string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.doctypes[doctype]
	return ok, nil
}

func (s *MemoryStore) AllowedDocTypes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.doctypes))
	for dt := range s.doctypes {
		out = append(out, dt)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) UserRoles(ctx context.Context, user string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.roles[user]...), nil
}

func (s *MemoryStore) FieldRules(ctx context.Context, doctype, field string) ([]FieldPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FieldPermission
	for k, p := range s.rules {
		if k.Doctype == doctype && k.Field == field {
			out = append(out, p)
		}
	}
	sortRules(out)
	return out, nil
}

func (s *MemoryStore) SetTrusted(ctx context.Context, u TrustedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.UpdatedAt = s.now()
	s.trusted[u.User] = u
	return nil
}

func (s *MemoryStore) ListTrusted(ctx context.Context) ([]TrustedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrustedUser, 0, len(s.trusted))
	for _, u := range s.trusted {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

func (s *MemoryStore) AllowDocType(ctx context.Context, doctype string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctypes[doctype] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveDocType(ctx context.Context, doctype string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doctypes[doctype]; !ok {
		return ErrNotFound
	}
	delete(s.doctypes, doctype)
	return nil
}

func (s *MemoryStore) SetUserRoles(ctx context.Context, user string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[user] = dedupeRoles(roles)
	return nil
}

func (s *MemoryStore) UpsertFieldRule(ctx context.Context, p FieldPermission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.Key()
	existing, ok := s.rules[key]
	if ok {
		p.ID = existing.ID
	} else if strings.TrimSpace(p.ID) == "" {
		p.ID = ids.New()
	}
	p.UpdatedAt = s.now()
	s.rules[key] = p
	return !ok, nil
}

func (s *MemoryStore) DeleteFieldRule(ctx context.Context, key RuleKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[key]; !ok {
		return ErrNotFound
	}
	delete(s.rules, key)
	return nil
}

func (s *MemoryStore) ListFieldRules(ctx context.Context, doctype string) ([]FieldPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FieldPermission
	for k, p := range s.rules {
		if doctype == "" || k.Doctype == doctype {
			out = append(out, p)
		}
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []FieldPermission) {
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Doctype != b.Doctype {
			return a.Doctype < b.Doctype
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.GranteeKind != b.GranteeKind {
			return a.GranteeKind < b.GranteeKind
		}
		return a.Grantee < b.Grantee
	})
}
