package links

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"go.uber.org/zap"

	"revealgate.dev/internal/ids"
	"revealgate.dev/internal/ledger"
	"revealgate.dev/internal/obs"
	"revealgate.dev/internal/vault"
)

const (
	DefaultListLimit = 50
	qrSize           = 256
)

// Checker answers whether user may reveal doctype.field. The reveal gate implements it.
type Checker interface {
	CanReveal(ctx context.Context, user, doctype, field string) (bool, error)
}

// Config bounds link creation.
type Config struct {
	BaseURL  string
	MaxHours int
	MaxUses  int
}

// CreateRequest describes a new link.
type CreateRequest struct {
	Doctype        string `json:"doctype"`
	Docname        string `json:"docname"`
	Field          string `json:"field"`
	ExpiresInHours int    `json:"expires_in_hours"`
	MaxUses        int    `json:"max_uses"`
	Creator        string `json:"-"`
}

// Created is returned once, at creation.
type Created struct {
	Link   Link   `json:"link"`
	URL    string `json:"url"`
	QRCode string `json:"qr_code"`
}

// Consumed carries the revealed value of a successful guest access.
type Consumed struct {
	Link  Link   `json:"link"`
	Value string `json:"value"`
}

// Service implements create, consume, revoke and listing.
type Service struct {
	store   Store
	checker Checker
	vault   vault.Accessor
	ledger  ledger.Service
	cfg     Config
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

// NewService wires a link service. Zero limits fall back to 168 hours and 100 uses.
func NewService(store Store, checker Checker, v vault.Accessor, l ledger.Service, cfg Config, opts ...Option) *Service {
	if cfg.MaxHours <= 0 {
		cfg.MaxHours = 168
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = 100
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	s := &Service{store: store, checker: checker, vault: v, ledger: l, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates req, checks the creator's own permission and stores a new link.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Created, error) {
	req.Doctype = strings.TrimSpace(req.Doctype)
	req.Docname = strings.TrimSpace(req.Docname)
	req.Field = strings.TrimSpace(req.Field)
	switch {
	case req.Creator == "":
		return Created{}, fmt.Errorf("%w: creator is required", ErrInvalidInput)
	case req.Doctype == "" || req.Docname == "" || req.Field == "":
		return Created{}, fmt.Errorf("%w: doctype, docname and field are required", ErrInvalidInput)
	case req.ExpiresInHours < 1 || req.ExpiresInHours > s.cfg.MaxHours:
		return Created{}, fmt.Errorf("%w: expires_in_hours must be between 1 and %d", ErrInvalidInput, s.cfg.MaxHours)
	case req.MaxUses < 1 || req.MaxUses > s.cfg.MaxUses:
		return Created{}, fmt.Errorf("%w: max_uses must be between 1 and %d", ErrInvalidInput, s.cfg.MaxUses)
	}

	ok, err := s.checker.CanReveal(ctx, req.Creator, req.Doctype, req.Field)
	if err != nil {
		return Created{}, fmt.Errorf("links: permission check: %w", err)
	}
	if !ok {
		return Created{}, ErrNotPermitted
	}

	id, err := ids.Token()
	if err != nil {
		return Created{}, err
	}
	now := s.now().UTC()
	l := Link{
		ID:        id,
		Doctype:   req.Doctype,
		Docname:   req.Docname,
		Field:     req.Field,
		Creator:   req.Creator,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(req.ExpiresInHours) * time.Hour),
		MaxUses:   req.MaxUses,
		Active:    true,
	}
	if err := s.store.Insert(ctx, l); err != nil {
		return Created{}, fmt.Errorf("links: insert: %w", err)
	}

	url := s.URL(id)
	code, err := QRDataURI(url)
	if err != nil {
		return Created{}, err
	}
	obs.Logger().Named("links").Info("link created",
		zap.String("creator", l.Creator),
		zap.String("doctype", l.Doctype),
		zap.String("docname", l.Docname),
		zap.String("field", l.Field),
		zap.Time("expires_at", l.ExpiresAt),
		zap.Int("max_uses", l.MaxUses),
	)
	return Created{Link: l, URL: url, QRCode: code}, nil
}

// URL is the guest address of link id.
func (s *Service) URL(id string) string {
	return s.cfg.BaseURL + "/reveal-link/" + id
}

// ValidateAndConsume uses one access of link id and returns the secret value.
// Every access of an existing link leaves a ledger row attributed to "link:<id>".
func (s *Service) ValidateAndConsume(ctx context.Context, id string, acc Access) (Consumed, error) {
	now := s.now().UTC()
	l, err := s.store.Consume(ctx, id, now, acc)
	if err != nil {
		result := consumeResult(err)
		obs.ObserveLinkConsume(result)
		if errors.Is(err, ErrLinkNotFound) || l.ID == "" {
			return Consumed{}, err
		}
		s.record(ctx, l, acc, now, false, "link_"+result)
		return Consumed{}, err
	}

	value, err := s.vault.GetField(ctx, l.Doctype, l.Docname, l.Field)
	if err != nil {
		obs.ObserveLinkConsume("error")
		s.refund(ctx, l.ID)
		s.record(ctx, l, acc, now, false, "storage_error")
		return Consumed{}, fmt.Errorf("links: read field: %w", err)
	}
	if _, err := s.ledger.Append(ctx, s.session(l, acc, now, true, "")); err != nil {
		obs.ObserveLinkConsume("error")
		s.refund(ctx, l.ID)
		return Consumed{}, fmt.Errorf("links: record access: %w", err)
	}
	obs.ObserveLinkConsume("ok")
	return Consumed{Link: l, Value: value}, nil
}

// Revoke deactivates link id; only its creator may do so.
func (s *Service) Revoke(ctx context.Context, id, owner string) (Link, error) {
	l, err := s.store.Revoke(ctx, id, owner)
	if err != nil {
		return Link{}, err
	}
	obs.Logger().Named("links").Info("link revoked", zap.String("owner", owner), zap.String("doctype", l.Doctype), zap.String("docname", l.Docname))
	return l, nil
}

// ListByCreator returns the creator's links, newest first.
func (s *Service) ListByCreator(ctx context.Context, creator string, limit int) ([]Link, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListByCreator(ctx, creator, limit)
}

// refund returns the use of an access that delivered nothing.
func (s *Service) refund(ctx context.Context, id string) {
	if err := s.store.Refund(context.WithoutCancel(ctx), id); err != nil {
		obs.Logger().Named("links").Error("refund link use", zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, l Link, acc Access, now time.Time, ok bool, reason string) {
	if _, err := s.ledger.Append(ctx, s.session(l, acc, now, ok, reason)); err != nil {
		obs.Logger().Named("links").Error("record link access", zap.Error(err), zap.String("reason", reason))
	}
}

func (s *Service) session(l Link, acc Access, now time.Time, ok bool, reason string) ledger.RevealSession {
	return ledger.RevealSession{
		User:      "link:" + l.ID,
		Doctype:   l.Doctype,
		Docname:   l.Docname,
		Field:     l.Field,
		Timestamp: now,
		IP:        acc.IP,
		UserAgent: acc.UserAgent,
		Success:   ok,
		Reason:    reason,
		Via:       ledger.ViaLink,
		LinkID:    l.ID,
	}
}

func consumeResult(err error) string {
	switch {
	case errors.Is(err, ErrLinkNotFound):
		return "not_found"
	case errors.Is(err, ErrLinkRevoked):
		return "revoked"
	case errors.Is(err, ErrLinkExpired):
		return "expired"
	case errors.Is(err, ErrLinkExhausted):
		return "exhausted"
	}
	return "error"
}

// QRDataURI renders content as a PNG QR code data URI.
func QRDataURI(content string) (string, error) {
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("links: qr encode: %w", err)
	}
	code, err = barcode.Scale(code, qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("links: qr scale: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return "", fmt.Errorf("links: qr png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
