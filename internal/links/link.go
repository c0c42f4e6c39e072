// Package links issues time- and use-limited capability links that let a
// guest read one secret field without an account.
package links

import (
	"context"
	"errors"
	"time"
)

var (
	ErrLinkNotFound  = errors.New("links: not found")
	ErrLinkRevoked   = errors.New("links: revoked")
	ErrLinkExpired   = errors.New("links: expired")
	ErrLinkExhausted = errors.New("links: usage limit reached")
	ErrNotOwner      = errors.New("links: not the link creator")
	ErrInvalidInput  = errors.New("links: invalid input")
	ErrNotPermitted  = errors.New("links: creator may not reveal this field")
)

// Link is a capability token bound to one document field.
type Link struct {
	ID             string    `json:"link_id"`
	Doctype        string    `json:"doctype"`
	Docname        string    `json:"docname"`
	Field          string    `json:"field"`
	Creator        string    `json:"creator"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	MaxUses        int       `json:"max_uses"`
	CurrentUses    int       `json:"current_uses"`
	Active         bool      `json:"is_active"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitempty"`
	LastAccessIP   string    `json:"last_access_ip,omitempty"`
}

// Access describes the guest request consuming a link.
type Access struct {
	IP        string
	UserAgent string
}

// Check classifies l at now. The order is Revoked, Expired, Exhausted.
func (l Link) Check(now time.Time) error {
	switch {
	case !l.Active:
		return ErrLinkRevoked
	case !now.Before(l.ExpiresAt):
		return ErrLinkExpired
	case l.CurrentUses >= l.MaxUses:
		return ErrLinkExhausted
	}
	return nil
}

// Status is the human label of Check.
func (l Link) Status(now time.Time) string {
	switch err := l.Check(now); {
	case err == nil:
		return "active"
	case errors.Is(err, ErrLinkRevoked):
		return "revoked"
	case errors.Is(err, ErrLinkExpired):
		return "expired"
	default:
		return "exhausted"
	}
}

// RemainingUses never goes below zero.
func (l Link) RemainingUses() int {
	if n := l.MaxUses - l.CurrentUses; n > 0 {
		return n
	}
	return 0
}

// Store persists links. Consume must check and increment in one atomic step
// and return the link as it was after the increment.
type Store interface {
	Insert(ctx context.Context, l Link) error
	Get(ctx context.Context, id string) (Link, error)
	Consume(ctx context.Context, id string, now time.Time, acc Access) (Link, error)
	// Refund gives back one use taken by Consume when the secret could not be delivered.
	Refund(ctx context.Context, id string) error
	// Revoke deactivates the link when owner created it. Revoking twice is not an error.
	Revoke(ctx context.Context, id, owner string) (Link, error)
	ListByCreator(ctx context.Context, creator string, limit int) ([]Link, error)
}
