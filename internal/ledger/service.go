package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"revealgate.dev/internal/ids"
)

// Service is the append-only session ledger.
type Service interface {
	// Append stores s, assigning ID and Timestamp when empty.
	Append(ctx context.Context, s RevealSession) (RevealSession, error)
	// History returns up to limit sessions of user at or after since, newest first.
	History(ctx context.Context, user string, since time.Time, limit int) ([]RevealSession, error)
	// List returns sessions matching f, newest first.
	List(ctx context.Context, f Filter) ([]RevealSession, error)
}

// Prepare validates s and fills ID and Timestamp. Shared by every backend.
func Prepare(s RevealSession, now time.Time) (RevealSession, error) {
	if strings.TrimSpace(s.User) == "" {
		return RevealSession{}, fmt.Errorf("%w: user is required", ErrInvalidEntry)
	}
	if s.AnomalyScore < 0 || s.AnomalyScore > 100 {
		return RevealSession{}, fmt.Errorf("%w: anomaly score %d out of range", ErrInvalidEntry, s.AnomalyScore)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	s.Timestamp = s.Timestamp.UTC()
	if s.ID == "" {
		s.ID = ids.NewAt(s.Timestamp)
	}
	if s.Via == "" {
		s.Via = ViaDirect
	}
	return s.clone(), nil
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	sessions []RevealSession
	now      func() time.Time
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{now: func() time.Time { return time.Now().UTC() }}
}

func (l *InMemory) Append(ctx context.Context, s RevealSession) (RevealSession, error) {
	s, err := Prepare(s, l.now())
	if err != nil {
		return RevealSession{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, s)
	return s.clone(), nil
}

func (l *InMemory) History(ctx context.Context, user string, since time.Time, limit int) ([]RevealSession, error) {
	return l.List(ctx, Filter{User: user, Since: since, Limit: limit})
}

func (l *InMemory) List(ctx context.Context, f Filter) ([]RevealSession, error) {
	l.mu.RLock()
	var out []RevealSession
	for _, s := range l.sessions {
		if f.Match(s) {
			out = append(out, s.clone())
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len returns the number of stored sessions.
func (l *InMemory) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}
