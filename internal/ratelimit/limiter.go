// Package ratelimit implements the per-user sliding-window reveal limiter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRateLimited is returned by Check when the window is full.
var ErrRateLimited = errors.New("ratelimit: too many requests")

// Policy is a sliding window of Limit hits per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicy allows 5 reveals per user per minute.
var DefaultPolicy = Policy{Limit: 5, Window: time.Minute}

// Decision is the outcome of a single hit.
type Decision struct {
	Allowed    bool
	Count      int // hits inside the window after this call
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Backend stores windows. Hit must check and record in one atomic step; a
// denied hit is not recorded.
type Backend interface {
	Hit(ctx context.Context, key string, now time.Time, p Policy) (Decision, error)
	Count(ctx context.Context, key string, now time.Time, p Policy) (int, error)
	Reset(ctx context.Context, key string) error
}

// Clock abstracts wall-clock reads.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Limiter applies a Policy over a Backend.
type Limiter struct {
	backend Backend
	policy  Policy
	clock   Clock
	prefix  string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithKeyPrefix namespaces keys, e.g. "reveal:".
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// New builds a limiter. The policy must have a positive limit and window.
func New(backend Backend, policy Policy, opts ...Option) (*Limiter, error) {
	if backend == nil {
		return nil, errors.New("ratelimit: backend is required")
	}
	if policy.Limit <= 0 || policy.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: invalid policy %d/%s", policy.Limit, policy.Window)
	}
	l := &Limiter{backend: backend, policy: policy, clock: SystemClock{}, prefix: "reveal:"}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy returns the configured window.
func (l *Limiter) Policy() Policy { return l.policy }

// Allow records a hit for user if the window has room.
func (l *Limiter) Allow(ctx context.Context, user string) (Decision, error) {
	key, err := l.key(user)
	if err != nil {
		return Decision{}, err
	}
	return l.backend.Hit(ctx, key, l.clock.Now(), l.policy)
}

// Check is Allow reduced to an error: nil, ErrRateLimited, or a backend failure.
func (l *Limiter) Check(ctx context.Context, user string) error {
	d, err := l.Allow(ctx, user)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ErrRateLimited
	}
	return nil
}

// Remaining reports how many hits user has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, user string) (int, error) {
	key, err := l.key(user)
	if err != nil {
		return 0, err
	}
	n, err := l.backend.Count(ctx, key, l.clock.Now(), l.policy)
	if err != nil {
		return 0, err
	}
	return max(l.policy.Limit-n, 0), nil
}

// Reset clears user's window.
func (l *Limiter) Reset(ctx context.Context, user string) error {
	key, err := l.key(user)
	if err != nil {
		return err
	}
	return l.backend.Reset(ctx, key)
}

func (l *Limiter) key(user string) (string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", errors.New("ratelimit: key is required")
	}
	return l.prefix + user, nil
}
