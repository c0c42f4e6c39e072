// Package reveal is the authorization gate in front of secret fields. Every
// call to Reveal runs an ordered chain of fail-closed guards and leaves exactly
// one session row in the ledger.
package reveal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"revealgate.dev/internal/anomaly"
	"revealgate.dev/internal/audit"
	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/ledger"
	"revealgate.dev/internal/obs"
	"revealgate.dev/internal/ratelimit"
	"revealgate.dev/internal/vault"
)

// ErrNotAuthorized is the only denial callers see. The precise reason is in the ledger.
var ErrNotAuthorized = errors.New("reveal: not authorized")

// Reason tags a denied attempt.
type Reason string

const (
	ReasonNotTrusted            Reason = "not_trusted"
	ReasonDoctypeNotAllowed     Reason = "doctype_not_allowed"
	ReasonFieldPermissionDenied Reason = "field_permission_denied"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonMFARequired           Reason = "mfa_required"
	ReasonMFAInvalid            Reason = "mfa_invalid"
	ReasonStorageError          Reason = "storage_error"
)

// Request is one reveal attempt.
type Request struct {
	Doctype     string
	Docname     string
	Field       string
	User        string
	MFAToken    string
	IP          string
	UserAgent   string
	Fingerprint string
}

// Limiter is the per-user reveal budget.
type Limiter interface {
	Allow(ctx context.Context, user string) (ratelimit.Decision, error)
}

// SecondFactor checks MFA for users who enabled it.
type SecondFactor interface {
	IsEnabled(ctx context.Context, user string) (bool, error)
	Verify(ctx context.Context, user, code string) (bool, error)
}

// Publisher receives suspicious sessions.
type Publisher interface {
	PublishSession(s ledger.RevealSession)
}

// Deps are the collaborators of a Gate. Publisher is optional.
type Deps struct {
	Directory auth.Directory
	Limiter   Limiter
	MFA       SecondFactor
	Vault     vault.Accessor
	Scorer    *anomaly.Scorer
	Ledger    ledger.Service
	Publisher Publisher
}

// Gate authorizes and audits reveals.
type Gate struct {
	deps         Deps
	historyLimit int
	now          func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithHistoryLimit bounds how many past sessions feed the scorer.
func WithHistoryLimit(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.historyLimit = n
		}
	}
}

// NewGate validates deps and builds a Gate.
func NewGate(deps Deps, opts ...Option) (*Gate, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("reveal: directory is required")
	case deps.Limiter == nil:
		return nil, errors.New("reveal: limiter is required")
	case deps.MFA == nil:
		return nil, errors.New("reveal: mfa is required")
	case deps.Vault == nil:
		return nil, errors.New("reveal: vault is required")
	case deps.Ledger == nil:
		return nil, errors.New("reveal: ledger is required")
	}
	if deps.Scorer == nil {
		deps.Scorer = anomaly.NewScorer(anomaly.DefaultConfig)
	}
	g := &Gate{deps: deps, historyLimit: 500, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Reveal returns the plaintext of req's field when every guard passes.
func (g *Gate) Reveal(ctx context.Context, req Request) (string, error) {
	req = normalize(req)
	a := &attempt{req: req, at: g.now().UTC()}

	for _, st := range g.chain() {
		reason, err := st.check(ctx, a)
		if err != nil {
			g.record(ctx, a, ReasonStorageError)
			return "", fmt.Errorf("reveal: %s: %w", st.name, err)
		}
		if reason != "" {
			g.record(ctx, a, reason)
			return "", ErrNotAuthorized
		}
	}

	if _, err := g.record(ctx, a, ""); err != nil {
		return "", fmt.Errorf("reveal: record session: %w", err)
	}
	return a.value, nil
}

// CanReveal runs the trust, doctype and field-permission guards without
// recording anything.
func (g *Gate) CanReveal(ctx context.Context, user, doctype, field string) (bool, error) {
	a := &attempt{req: normalize(Request{User: user, Doctype: doctype, Field: field})}
	for _, st := range g.chain()[:3] {
		reason, err := st.check(ctx, a)
		if err != nil {
			return false, fmt.Errorf("reveal: %s: %w", st.name, err)
		}
		if reason != "" {
			return false, nil
		}
	}
	return true, nil
}

// AllowedDoctypes lists the doctypes whose fields may be revealed at all.
func (g *Gate) AllowedDoctypes(ctx context.Context) ([]string, error) {
	return g.deps.Directory.AllowedDocTypes(ctx)
}

// AnonymousUser is recorded as the user of attempts made without one.
const AnonymousUser = "anonymous"

// record scores the attempt against the user's history and appends its session.
func (g *Gate) record(ctx context.Context, a *attempt, reason Reason) (ledger.RevealSession, error) {
	log := obs.Logger().Named("reveal")
	req := a.req
	if req.User == "" {
		req.User = AnonymousUser
	}

	history, err := g.deps.Ledger.History(ctx, req.User, time.Time{}, g.historyLimit)
	if err != nil {
		log.Warn("load session history", zap.String("user", req.User), zap.Error(err))
		history = nil
	}
	res := g.deps.Scorer.Score(anomaly.Context{
		At:          a.at,
		IP:          req.IP,
		Fingerprint: req.Fingerprint,
		Success:     reason == "",
	}, history)

	sess, err := g.deps.Ledger.Append(ctx, ledger.RevealSession{
		User:           req.User,
		Doctype:        req.Doctype,
		Docname:        req.Docname,
		Field:          req.Field,
		Timestamp:      a.at,
		IP:             req.IP,
		UserAgent:      req.UserAgent,
		Fingerprint:    req.Fingerprint,
		Success:        reason == "",
		Reason:         string(reason),
		AnomalyScore:   res.Score,
		Suspicious:     res.Suspicious,
		AnomalyReasons: res.Reasons,
		Via:            ledger.ViaDirect,
	})
	outcome := "success"
	if reason != "" {
		outcome = string(reason)
	}
	obs.ObserveReveal(outcome, res.Score)
	if err != nil {
		log.Error("append reveal session", zap.String("user", req.User), zap.String("outcome", outcome), zap.Error(err))
		return ledger.RevealSession{}, err
	}

	if res.Suspicious {
		log.Warn("suspicious reveal",
			zap.String("session_id", sess.ID),
			zap.String("user", sess.User),
			zap.String("doctype", sess.Doctype),
			zap.String("docname", sess.Docname),
			zap.Int("score", sess.AnomalyScore),
			zap.Strings("reasons", sess.AnomalyReasons),
		)
		_ = audit.LogEvent(ctx, "reveal.suspicious", map[string]any{
			"session_id": sess.ID,
			"score":      sess.AnomalyScore,
		})
		if g.deps.Publisher != nil {
			g.deps.Publisher.PublishSession(sess)
		}
	}
	return sess, nil
}

// Fingerprint derives a device fingerprint from the user agent and IP.
func Fingerprint(userAgent, ip string) string {
	if userAgent == "" && ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userAgent + ip))
	return hex.EncodeToString(sum[:])
}

func normalize(r Request) Request {
	r.Doctype = strings.TrimSpace(r.Doctype)
	r.Docname = strings.TrimSpace(r.Docname)
	r.Field = strings.TrimSpace(r.Field)
	r.User = strings.TrimSpace(r.User)
	r.MFAToken = strings.TrimSpace(r.MFAToken)
	if r.Fingerprint == "" {
		r.Fingerprint = Fingerprint(r.UserAgent, r.IP)
	}
	return r
}
