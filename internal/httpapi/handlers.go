// Package httpapi is the JSON-over-HTTP surface of revealgate and its gRPC
// health endpoint.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/ledger"
	"revealgate.dev/internal/links"
	"revealgate.dev/internal/mfa"
	"revealgate.dev/internal/obs"
	"revealgate.dev/internal/report"
	"revealgate.dev/internal/reveal"
	"revealgate.dev/internal/rotation"
	"revealgate.dev/internal/stream"
)

const serviceName = "revealgate"

// StoreCheck pings the backing stores. Nil members are skipped.
type StoreCheck struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (sc StoreCheck) Check(ctx context.Context) error {
	if sc.DB != nil {
		if err := sc.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if sc.Redis != nil {
		if err := sc.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Services are the domain components the API exposes.
type Services struct {
	Gate     *reveal.Gate
	Links    *links.Service
	MFA      *mfa.Provider
	Rotation *rotation.Scheduler
	Reports  *report.Service
	Ledger   ledger.Service
	Alerts   *stream.Broker
	Tokens   *auth.Tokens
}

// API is the HTTP layer.
type API struct {
	mux            *http.ServeMux
	svc            Services
	readiness      readinessChecker
	version        string
	adminRole      string
	devTokenTTL    time.Duration
	rateBurst      int
	ratePerSec     int
	maxBodyBytes   int64
	allowedOrigins []string
	now            func() time.Time
}

type Option func(*API)

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

func WithReadiness(r readinessChecker) Option {
	return func(a *API) {
		if r != nil {
			a.readiness = r
		}
	}
}

// WithAdminRole names the role allowed to run reports, rotation and the alert stream.
func WithAdminRole(role string) Option {
	return func(a *API) {
		if role != "" {
			a.adminRole = role
		}
	}
}

// WithDevTokens exposes POST /v1/auth/token, issuing tokens with ttl.
// Only for local development and tests.
func WithDevTokens(ttl time.Duration) Option {
	return func(a *API) { a.devTokenTTL = ttl }
}

// WithIPRateLimit sets the per-client token bucket.
func WithIPRateLimit(burst, perSec int) Option {
	return func(a *API) {
		if burst > 0 && perSec > 0 {
			a.rateBurst, a.ratePerSec = burst, perSec
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = origins }
}

func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

// New registers every route. Services left nil answer 503.
func New(svc Services, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		readiness:    StoreCheck{},
		version:      "dev",
		adminRole:    "system manager",
		rateBurst:    20,
		ratePerSec:   10,
		maxBodyBytes: 1 << 20,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())
	if a.devTokenTTL > 0 {
		a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	}

	a.mux.HandleFunc("GET /v1/reveal/doctypes", a.handleDoctypes)
	a.mux.HandleFunc("GET /v1/reveal/permission", a.handlePermission)
	a.mux.HandleFunc("POST /v1/reveal", a.handleReveal)
	a.mux.HandleFunc("GET /v1/reveal/history", a.handleHistory)

	a.mux.HandleFunc("POST /v1/links", a.handleCreateLink)
	a.mux.HandleFunc("GET /v1/links", a.handleListLinks)
	a.mux.HandleFunc("POST /v1/links/{id}/revoke", a.handleRevokeLink)
	a.mux.Handle("GET /reveal-link/{id}", RateLimit(http.HandlerFunc(a.handleGuestLink), 5, 1))

	a.mux.HandleFunc("POST /v1/mfa/setup", a.handleMFASetup)
	a.mux.HandleFunc("POST /v1/mfa/enable", a.handleMFAEnable)
	a.mux.HandleFunc("POST /v1/mfa/disable", a.handleMFADisable)
	a.mux.HandleFunc("GET /v1/mfa/status", a.handleMFAStatus)

	a.mux.Handle("POST /v1/rotation/{policy}/run", a.admin(a.handleRotationRun))
	a.mux.Handle("GET /v1/rotation/policies", a.admin(a.handleRotationPolicies))
	a.mux.Handle("POST /v1/rotation/policies", a.admin(a.handleSavePolicy))
	a.mux.Handle("GET /v1/rotation/history", a.admin(a.handleRotationHistory))

	a.mux.Handle("GET /v1/reports/statistics", a.admin(a.handleStatistics))
	a.mux.Handle("GET /v1/reports/security", a.admin(a.handleSecurityMetrics))
	a.mux.Handle("GET /v1/reports/security.csv", a.admin(a.handleSecurityExport))
	a.mux.Handle("GET /v1/reports/compliance", a.admin(a.handleCompliance))
	a.mux.Handle("GET /v1/reports/suspicious", a.admin(a.handleSuspiciousSessions))
	a.mux.Handle("GET /v1/reports/failed", a.admin(a.handleFailedAttempts))
	a.mux.Handle("GET /v1/security/alerts", a.admin(a.handleAlerts))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Handler wraps the mux with the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = obs.Instrument(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.allowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, r, http.StatusServiceUnavailable, what+" unavailable")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// intParam parses an optional bounded integer query parameter.
func intParam(r *http.Request, name string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

// noStore marks responses that carry a secret.
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// handleError maps domain errors to status codes. Unknown errors are logged
// and answered with a generic 500.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reveal.ErrNotAuthorized):
		writeError(w, r, http.StatusForbidden, "not authorized")

	case errors.Is(err, links.ErrLinkNotFound):
		writeError(w, r, http.StatusNotFound, "link not found")
	case errors.Is(err, links.ErrLinkRevoked):
		writeError(w, r, http.StatusGone, "link has been revoked")
	case errors.Is(err, links.ErrLinkExpired):
		writeError(w, r, http.StatusGone, "link has expired")
	case errors.Is(err, links.ErrLinkExhausted):
		writeError(w, r, http.StatusGone, "link usage limit reached")
	case errors.Is(err, links.ErrNotOwner), errors.Is(err, links.ErrNotPermitted):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, links.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())

	case errors.Is(err, mfa.ErrNotSetup), errors.Is(err, mfa.ErrAlreadyEnabled), errors.Is(err, mfa.ErrInvalidToken):
		writeError(w, r, http.StatusBadRequest, err.Error())

	case errors.Is(err, rotation.ErrPolicyNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, rotation.ErrPolicyDisabled), errors.Is(err, rotation.ErrNotDue):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, rotation.ErrInvalidPolicy), errors.Is(err, report.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())

	default:
		obs.Logger().Error("httpapi: request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
