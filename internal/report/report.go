// Package report aggregates the session ledger into statistics, security
// dashboards, CSV exports and compliance summaries.
package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/ledger"
)

// ErrInvalidInput is returned for unknown periods and out-of-range day counts.
var ErrInvalidInput = errors.New("report: invalid input")

const (
	maxDays          = 3650
	topN             = 10
	suspiciousListN  = 20
	defaultPeriod    = "month"
	recentSpikeLimit = 10
	maxListLimit     = 1000
)

// TrustedLister lists the trusted-user whitelist.
type TrustedLister interface {
	ListTrusted(ctx context.Context) ([]auth.TrustedUser, error)
}

// MFACounter counts users with MFA enabled.
type MFACounter interface {
	CountEnabled(ctx context.Context) (int, error)
}

// Service builds reports. Aggregates keyed by user skip link accesses, whose
// pseudo-user is the link id.
type Service struct {
	ledger  ledger.Service
	trusted TrustedLister
	mfa     MFACounter
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a report service.
func NewService(l ledger.Service, trusted TrustedLister, mfa MFACounter, opts ...Option) *Service {
	s := &Service{ledger: l, trusted: trusted, mfa: mfa, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Count is a labelled tally.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ParsePeriod maps day, week, month, quarter, year or a positive day count to days.
func ParsePeriod(period string) (int, error) {
	period = strings.ToLower(strings.TrimSpace(period))
	switch period {
	case "":
		return ParsePeriod(defaultPeriod)
	case "day":
		return 1, nil
	case "week":
		return 7, nil
	case "month":
		return 30, nil
	case "quarter":
		return 90, nil
	case "year":
		return 365, nil
	}
	n, err := strconv.Atoi(period)
	if err != nil {
		return 0, fmt.Errorf("%w: unknown period %q", ErrInvalidInput, period)
	}
	if err := checkDays(n); err != nil {
		return 0, err
	}
	return n, nil
}

func checkDays(days int) error {
	if days < 1 || days > maxDays {
		return fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidInput, maxDays)
	}
	return nil
}

// sessions returns the window [now-days, now), newest first.
func (s *Service) sessions(ctx context.Context, days int) ([]ledger.RevealSession, time.Time, time.Time, error) {
	if err := checkDays(days); err != nil {
		return nil, time.Time{}, time.Time{}, err
	}
	until := s.now().UTC()
	since := until.AddDate(0, 0, -days)
	rows, err := s.ledger.List(ctx, ledger.Filter{Since: since})
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("report: load sessions: %w", err)
	}
	return rows, since, until, nil
}

// SuspiciousSessions lists sessions flagged by the anomaly detector in the
// last days, newest first.
func (s *Service) SuspiciousSessions(ctx context.Context, days, limit int) ([]ledger.RevealSession, error) {
	return s.list(ctx, days, limit, ledger.Filter{SuspiciousOnly: true})
}

// FailedAttempts lists denied reveals in the last days, newest first.
func (s *Service) FailedAttempts(ctx context.Context, days, limit int) ([]ledger.RevealSession, error) {
	return s.list(ctx, days, limit, ledger.Filter{FailedOnly: true})
}

func (s *Service) list(ctx context.Context, days, limit int, f ledger.Filter) ([]ledger.RevealSession, error) {
	if err := checkDays(days); err != nil {
		return nil, err
	}
	if limit < 1 || limit > maxListLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, maxListLimit)
	}
	f.Since = s.now().UTC().AddDate(0, 0, -days)
	f.Limit = limit
	rows, err := s.ledger.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("report: load sessions: %w", err)
	}
	return rows, nil
}

// Statistics summarises reveal attempts over a period.
type Statistics struct {
	Period         string    `json:"period"`
	Days           int       `json:"days"`
	Since          time.Time `json:"since"`
	Until          time.Time `json:"until"`
	Total          int       `json:"total_attempts"`
	Successful     int       `json:"successful"`
	Failed         int       `json:"failed"`
	SuccessRate    float64   `json:"success_rate"`
	UniqueUsers    int       `json:"unique_users"`
	UniqueDoctypes int       `json:"unique_doctypes"`
	ViaLink        int       `json:"via_link"`
	TopDoctypes    []Count   `json:"top_doctypes"`
}

// Statistics reports totals for period, see ParsePeriod.
func (s *Service) Statistics(ctx context.Context, period string) (Statistics, error) {
	days, err := ParsePeriod(period)
	if err != nil {
		return Statistics{}, err
	}
	rows, since, until, err := s.sessions(ctx, days)
	if err != nil {
		return Statistics{}, err
	}
	if period == "" {
		period = defaultPeriod
	}

	st := Statistics{Period: period, Days: days, Since: since, Until: until, Total: len(rows)}
	users := map[string]struct{}{}
	doctypes := map[string]int{}
	for _, r := range rows {
		if r.Success {
			st.Successful++
		} else {
			st.Failed++
		}
		if r.Via == ledger.ViaLink {
			st.ViaLink++
		} else {
			users[r.User] = struct{}{}
		}
		doctypes[r.Doctype]++
	}
	st.UniqueUsers = len(users)
	st.UniqueDoctypes = len(doctypes)
	st.SuccessRate = percent(st.Successful, st.Total)
	st.TopDoctypes = top(doctypes, topN)
	return st, nil
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(part) / float64(total) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// top sorts counts descending, ties by key, and keeps n.
func top(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Key < out[j].Key
		}
		return out[i].Count > out[j].Count
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
