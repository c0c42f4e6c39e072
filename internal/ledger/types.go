package ledger

import (
	"errors"
	"time"
)

// Via values tell how a secret was reached.
const (
	ViaDirect = "direct"
	ViaLink   = "link"
)

// RevealSession is one audited reveal attempt. Rows are immutable once appended.
type RevealSession struct {
	ID             string    `json:"id"`
	User           string    `json:"user"`
	Doctype        string    `json:"doctype"`
	Docname        string    `json:"docname"`
	Field          string    `json:"field"`
	Timestamp      time.Time `json:"timestamp"`
	IP             string    `json:"ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	Success        bool      `json:"success"`
	Reason         string    `json:"reason,omitempty"` // first guard that denied; empty on success
	AnomalyScore   int       `json:"anomaly_score"`
	Suspicious     bool      `json:"suspicious"`
	AnomalyReasons []string  `json:"anomaly_reasons,omitempty"`
	Via            string    `json:"via"`
	LinkID         string    `json:"link_id,omitempty"`
}

// Filter selects sessions for reporting. Zero values do not constrain.
type Filter struct {
	User           string
	Doctype        string
	Since          time.Time
	Until          time.Time
	SuspiciousOnly bool
	FailedOnly     bool
	Limit          int
}

// Match reports whether s passes f, ignoring Limit.
func (f Filter) Match(s RevealSession) bool {
	if f.User != "" && s.User != f.User {
		return false
	}
	if f.Doctype != "" && s.Doctype != f.Doctype {
		return false
	}
	if !f.Since.IsZero() && s.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !s.Timestamp.Before(f.Until) {
		return false
	}
	if f.SuspiciousOnly && !s.Suspicious {
		return false
	}
	if f.FailedOnly && s.Success {
		return false
	}
	return true
}

var (
	ErrNotFound     = errors.New("ledger: not found")
	ErrInvalidEntry = errors.New("ledger: invalid entry")
)

func (s RevealSession) clone() RevealSession {
	if s.AnomalyReasons != nil {
		s.AnomalyReasons = append([]string(nil), s.AnomalyReasons...)
	}
	return s
}
