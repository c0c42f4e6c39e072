package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"revealgate.dev/internal/audit"
	"revealgate.dev/internal/obs"
	"revealgate.dev/internal/vault"
)

// Result counts the documents of one run.
type Result struct {
	Policy       string    `json:"policy"`
	Success      int       `json:"success"`
	Failed       int       `json:"failed"`
	RotatedAt    time.Time `json:"rotated_at"`
	NextRotation time.Time `json:"next_rotation"`
}

// RunOption modifies a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	force bool
}

// Force runs the policy even if it is not due yet.
func Force() RunOption {
	return func(o *runOptions) { o.force = true }
}

// Scheduler rotates secrets according to stored policies.
type Scheduler struct {
	store Store
	vault vault.Accessor
	now   func() time.Time
	lease time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLease sets how long a run may hold a policy before another run can
// take it over. The default is one hour.
func WithLease(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lease = d
		}
	}
}

// NewScheduler builds a scheduler over store and v.
func NewScheduler(store Store, v vault.Accessor, opts ...Option) *Scheduler {
	s := &Scheduler{store: store, vault: v, now: time.Now, lease: time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SavePolicy validates and stores p. A new policy is due immediately.
func (s *Scheduler) SavePolicy(ctx context.Context, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if existing, err := s.store.Get(ctx, p.Name); err == nil {
		p.LastRotation = existing.LastRotation
		p.NextRotation = existing.NextRotation
	} else if !errors.Is(err, ErrPolicyNotFound) {
		return err
	}
	return s.store.Upsert(ctx, p)
}

// Policies lists stored policies by name.
func (s *Scheduler) Policies(ctx context.Context) ([]Policy, error) {
	return s.store.List(ctx)
}

// History returns the newest rows of policy, or of all policies when empty.
func (s *Scheduler) History(ctx context.Context, policy string, limit int) ([]History, error) {
	return s.store.ListHistory(ctx, policy, limit)
}

// Run rotates every document matched by policy name. A lease keeps
// concurrent schedulers off the policy; the schedule advances only after the
// last document, and an interrupted run leaves it where it was.
func (s *Scheduler) Run(ctx context.Context, name string, opts ...RunOption) (Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := obs.Logger().Named("rotation").With(zap.String("policy", name))

	p, err := s.store.Get(ctx, name)
	if err != nil {
		return Result{}, err
	}
	if !p.Enabled {
		return Result{}, ErrPolicyDisabled
	}
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	if !o.force && now.Before(p.NextRotation) {
		return Result{}, ErrNotDue
	}
	interval, _ := p.Interval()

	claimed, err := s.store.Claim(ctx, p.Name, now, now.Add(s.lease))
	if err != nil {
		return Result{}, fmt.Errorf("rotation: claim: %w", err)
	}
	if !claimed {
		return Result{}, fmt.Errorf("%w: claimed by a concurrent run", ErrNotDue)
	}
	release := func() {
		if err := s.store.Release(context.WithoutCancel(ctx), p.Name); err != nil {
			log.Error("release rotation lease", zap.Error(err))
		}
	}

	docs, err := s.vault.ListDocuments(ctx, p.Doctype, p.Filter)
	if err != nil {
		release()
		return Result{}, fmt.Errorf("rotation: list documents: %w", err)
	}

	next := now.Add(interval)
	res := Result{Policy: p.Name, RotatedAt: now, NextRotation: p.NextRotation}
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		h := History{Policy: p.Name, Doctype: p.Doctype, Docname: doc, RotatedAt: now, Status: StatusSuccess}
		if err := s.rotate(ctx, p, doc); err != nil {
			h.Status = StatusFailed
			h.Error = err.Error()
			res.Failed++
			log.Warn("rotate document", zap.String("docname", doc), zap.Error(err))
		} else {
			res.Success++
		}
		if err := s.store.AppendHistory(ctx, h); err != nil {
			log.Error("append rotation history", zap.String("docname", doc), zap.Error(err))
		}
	}
	obs.ObserveRotation(res.Success, res.Failed)

	// The schedule only moves once every document has been processed.
	if err := ctx.Err(); err != nil {
		release()
		log.Warn("rotation interrupted", zap.Int("success", res.Success), zap.Int("failed", res.Failed), zap.Error(err))
		return res, fmt.Errorf("rotation: interrupted: %w", err)
	}
	advanced, err := s.store.Advance(ctx, p.Name, p.NextRotation, now, next)
	if err != nil {
		release()
		return res, fmt.Errorf("rotation: advance schedule: %w", err)
	}
	if !advanced {
		release()
		return res, fmt.Errorf("%w: schedule changed during the run", ErrNotDue)
	}
	res.NextRotation = next

	_ = audit.LogEvent(ctx, "rotation.run", map[string]any{
		"policy":  p.Name,
		"success": res.Success,
		"failed":  res.Failed,
		"forced":  o.force,
	})
	log.Info("rotation finished", zap.Int("success", res.Success), zap.Int("failed", res.Failed), zap.Time("next_rotation", next))
	return res, nil
}

func (s *Scheduler) rotate(ctx context.Context, p Policy, docname string) error {
	pw, err := Generate(p.Generator)
	if err != nil {
		return err
	}
	return s.vault.SetFieldEncrypted(ctx, p.Doctype, docname, p.Field, pw)
}

// RunDue runs every enabled policy whose time has come. A failing policy
// does not stop the others.
func (s *Scheduler) RunDue(ctx context.Context) ([]Result, error) {
	due, err := s.store.ListDue(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("rotation: list due: %w", err)
	}
	var (
		results []Result
		errs    []error
	)
	for _, p := range due {
		res, err := s.Run(ctx, p.Name)
		switch {
		case errors.Is(err, ErrNotDue):
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
		default:
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

// Start calls RunDue every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	log := obs.Logger().Named("rotation")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info("rotation scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			log.Info("rotation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil {
				log.Error("scheduled rotation", zap.Error(err))
			}
		}
	}
}
