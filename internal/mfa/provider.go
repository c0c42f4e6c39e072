// Package mfa issues and verifies TOTP second factors and backup codes.
package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// SecretSize is the shared secret length in bytes (160 bits).
	SecretSize = 20
	// backupCodeBytes gives 80 bits per backup code.
	backupCodeBytes = 10
	qrSize          = 200
)

// Config holds the TOTP parameters.
type Config struct {
	Issuer      string
	Period      time.Duration
	Skew        uint
	Digits      int
	BackupCodes int
}

// DefaultConfig is a 30s step, ±1 step skew, 6 digits, 10 backup codes.
var DefaultConfig = Config{
	Issuer:      "Reveal Password",
	Period:      30 * time.Second,
	Skew:        1,
	Digits:      6,
	BackupCodes: 10,
}

// Enrollment is what a user needs to add the secret to an authenticator.
type Enrollment struct {
	Secret string `json:"secret"`
	URI    string `json:"provisioning_uri"`
	QRCode string `json:"qr_code"` // data:image/png;base64,...
}

// Provider implements setup, enable, verify and disable.
type Provider struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock overrides the time source used for TOTP validation.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvider builds a provider; zero config fields fall back to DefaultConfig.
func NewProvider(store Store, cfg Config, opts ...Option) *Provider {
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultConfig.Issuer
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig.Period
	}
	if cfg.Digits == 0 {
		cfg.Digits = DefaultConfig.Digits
	}
	if cfg.BackupCodes <= 0 {
		cfg.BackupCodes = DefaultConfig.BackupCodes
	}
	p := &Provider{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Setup generates a fresh pending secret for user.
func (p *Provider) Setup(ctx context.Context, user string) (Enrollment, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return Enrollment{}, errors.New("mfa: user is required")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.cfg.Issuer,
		AccountName: user,
		Period:      uint(p.cfg.Period / time.Second),
		SecretSize:  SecretSize,
		Digits:      p.digits(),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("mfa: generate key: %w", err)
	}
	if err := p.store.SavePending(ctx, user, key.Secret(), p.now().UTC()); err != nil {
		return Enrollment{}, err
	}

	qr, err := qrDataURI(key)
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), URI: key.URL(), QRCode: qr}, nil
}

// Enable verifies token against the pending secret and, on success, enables
// MFA and returns the plaintext backup codes. They are not retrievable later.
func (p *Provider) Enable(ctx context.Context, user, token string) ([]string, error) {
	sec, err := p.store.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	if sec.Enabled {
		return nil, ErrAlreadyEnabled
	}
	if !p.validTOTP(token, sec.Secret) {
		return nil, ErrInvalidToken
	}

	codes, hashes, err := p.generateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := p.store.Enable(ctx, user, sec.Secret, hashes, p.now().UTC()); err != nil {
		return nil, err
	}
	return codes, nil
}

// Verify accepts a current TOTP code or an unused backup code, consuming
// the backup code on success.
func (p *Provider) Verify(ctx context.Context, user, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	sec, err := p.store.Get(ctx, user)
	if err != nil {
		return false, err
	}
	if !sec.Enabled {
		return false, ErrNotSetup
	}
	if p.validTOTP(code, sec.Secret) {
		return true, nil
	}
	return p.store.ConsumeBackupCode(ctx, user, HashBackupCode(code), p.now().UTC())
}

// IsEnabled reports whether user must present a second factor.
func (p *Provider) IsEnabled(ctx context.Context, user string) (bool, error) {
	sec, err := p.store.Get(ctx, user)
	if errors.Is(err, ErrNotSetup) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sec.Enabled, nil
}

// Disable removes MFA after checking code.
func (p *Provider) Disable(ctx context.Context, user, code string) error {
	ok, err := p.Verify(ctx, user, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidToken
	}
	return p.store.Disable(ctx, user)
}

func (p *Provider) validTOTP(code, secret string) bool {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if len(code) != p.cfg.Digits {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, p.now().UTC(), totp.ValidateOpts{
		Period:    uint(p.cfg.Period / time.Second),
		Skew:      p.cfg.Skew,
		Digits:    p.digits(),
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (p *Provider) digits() otp.Digits {
	if p.cfg.Digits == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

func (p *Provider) generateBackupCodes() (codes, hashes []string, err error) {
	codes = make([]string, p.cfg.BackupCodes)
	hashes = make([]string, p.cfg.BackupCodes)
	buf := make([]byte, backupCodeBytes)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("mfa: backup code: %w", err)
		}
		raw := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
		codes[i] = raw[0:4] + "-" + raw[4:8] + "-" + raw[8:12] + "-" + raw[12:16]
		hashes[i] = HashBackupCode(codes[i])
	}
	return codes, hashes, nil
}

// HashBackupCode normalises case and separators and returns the hex SHA-256
// that stores match on.
func HashBackupCode(code string) string {
	norm := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func qrDataURI(key *otp.Key) (string, error) {
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("mfa: qr image: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("mfa: qr encode: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
