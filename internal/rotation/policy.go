// Package rotation regenerates secret fields on a schedule.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPolicyNotFound = errors.New("rotation: policy not found")
	ErrPolicyDisabled = errors.New("rotation: policy disabled")
	ErrNotDue         = errors.New("rotation: policy not due")
	ErrInvalidPolicy  = errors.New("rotation: invalid policy")
)

// Frequency is how often a policy fires.
type Frequency string

const (
	Daily   Frequency = "Daily"
	Weekly  Frequency = "Weekly"
	Monthly Frequency = "Monthly"
	Custom  Frequency = "Custom"
)

// Status of one rotated document.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// GeneratorConfig shapes generated passwords. Letters are always used.
type GeneratorConfig struct {
	Length     int  `json:"length" yaml:"length"`
	UseNumbers bool `json:"use_numbers" yaml:"use_numbers"`
	UseSpecial bool `json:"use_special" yaml:"use_special"`
}

// Policy rotates Field on every Doctype document matching Filter.
type Policy struct {
	Name         string            `json:"name" yaml:"name"`
	Doctype      string            `json:"doctype" yaml:"doctype"`
	Field        string            `json:"field" yaml:"field"`
	Filter       map[string]string `json:"filter,omitempty" yaml:"filter,omitempty"`
	Frequency    Frequency         `json:"frequency" yaml:"frequency"`
	IntervalDays int               `json:"interval_days,omitempty" yaml:"interval_days,omitempty"`
	Generator    GeneratorConfig   `json:"generator" yaml:"generator"`
	LastRotation time.Time         `json:"last_rotation,omitempty" yaml:"-"`
	NextRotation time.Time         `json:"next_rotation,omitempty" yaml:"-"`
	Enabled      bool              `json:"enabled" yaml:"enabled"`
}

// Interval is the time between runs.
func (p Policy) Interval() (time.Duration, error) {
	var days int
	switch p.Frequency {
	case Daily:
		days = 1
	case Weekly:
		days = 7
	case Monthly:
		days = 30
	case Custom:
		if p.IntervalDays <= 0 {
			return 0, fmt.Errorf("%w: custom frequency needs interval_days > 0", ErrInvalidPolicy)
		}
		days = p.IntervalDays
	default:
		return 0, fmt.Errorf("%w: unknown frequency %q", ErrInvalidPolicy, p.Frequency)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// Due reports whether p should run at now. A policy that never ran is due.
func (p Policy) Due(now time.Time) bool {
	return p.Enabled && !now.Before(p.NextRotation)
}

// Validate checks the fields a run depends on.
func (p Policy) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	case strings.TrimSpace(p.Doctype) == "" || strings.TrimSpace(p.Field) == "":
		return fmt.Errorf("%w: doctype and field are required", ErrInvalidPolicy)
	case p.Generator.Length < MinLength || p.Generator.Length > MaxLength:
		return fmt.Errorf("%w: length must be between %d and %d", ErrInvalidPolicy, MinLength, MaxLength)
	case !p.NextRotation.IsZero() && p.NextRotation.Before(p.LastRotation):
		return fmt.Errorf("%w: next_rotation precedes last_rotation", ErrInvalidPolicy)
	}
	_, err := p.Interval()
	return err
}

// History is the outcome of rotating one document.
type History struct {
	ID        string    `json:"id"`
	Policy    string    `json:"policy"`
	Doctype   string    `json:"doctype"`
	Docname   string    `json:"docname"`
	RotatedAt time.Time `json:"rotated_at"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Store persists policies and history.
type Store interface {
	Get(ctx context.Context, name string) (Policy, error)
	List(ctx context.Context) ([]Policy, error)
	Upsert(ctx context.Context, p Policy) error
	// ListDue returns enabled policies whose next rotation is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]Policy, error)
	// Claim leases the policy to one run until the given time. It fails
	// while another unexpired lease is held.
	Claim(ctx context.Context, name string, now, until time.Time) (bool, error)
	// Release drops the lease without touching the schedule.
	Release(ctx context.Context, name string) error
	// Advance sets last and next only while the stored next rotation still
	// equals prevNext, and drops the lease. It reports whether the update applied.
	Advance(ctx context.Context, name string, prevNext, last, next time.Time) (bool, error)
	AppendHistory(ctx context.Context, h History) error
	ListHistory(ctx context.Context, policy string, limit int) ([]History, error)
}
