package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "revealgate"

// Claims represents JWT claims used across the service.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 bearer tokens identifying the calling operator.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// TokensOption configures Tokens.
type TokensOption func(*Tokens)

// WithIssuer overrides the iss claim.
func WithIssuer(iss string) TokensOption {
	return func(t *Tokens) {
		if iss = strings.TrimSpace(iss); iss != "" {
			t.issuer = iss
		}
	}
}

// WithClock overrides the time source used for iat/exp.
func WithClock(now func() time.Time) TokensOption {
	return func(t *Tokens) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTokens returns a token signer for the given shared secret.
func NewTokens(secret string, opts ...TokensOption) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: auth secret must be at least 16 characters", ErrInvalidInput)
	}
	t := &Tokens{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Generate signs a JWT for the given user and roles.
func (t *Tokens) Generate(userID string, roles []string, ttl time.Duration) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	now := t.now()
	exp := now.Add(ttl)
	claims := Claims{
		Roles: dedupeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the signature and required claims.
func (t *Tokens) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Roles = dedupeRoles(claims.Roles)
	return claims, nil
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if claims.Issuer != t.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now()
	// 5s of clock skew is tolerated on iat.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = NormalizeRole(role)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
