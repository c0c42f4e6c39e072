package reveal

import (
	"context"
	"errors"
	"time"

	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/mfa"
	"revealgate.dev/internal/obs"
)

// attempt carries one request through the chain.
type attempt struct {
	req   Request
	at    time.Time
	value string
}

// guard is one named step. It returns a non-empty Reason to deny or an error
// when its backing store failed.
type guard struct {
	name  string
	check func(ctx context.Context, a *attempt) (Reason, error)
}

// chain is the fixed guard order. CanReveal relies on the first three.
func (g *Gate) chain() []guard {
	return []guard{
		{name: "trusted", check: g.checkTrusted},
		{name: "doctype", check: g.checkDoctype},
		{name: "field permission", check: g.checkFieldPermission},
		{name: "rate limit", check: g.checkRateLimit},
		{name: "mfa", check: g.checkMFA},
		{name: "decrypt", check: g.decrypt},
	}
}

func (g *Gate) checkTrusted(ctx context.Context, a *attempt) (Reason, error) {
	if a.req.User == "" {
		return ReasonNotTrusted, nil
	}
	ok, err := g.deps.Directory.IsTrusted(ctx, a.req.User)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonNotTrusted, nil
	}
	return "", nil
}

func (g *Gate) checkDoctype(ctx context.Context, a *attempt) (Reason, error) {
	if a.req.Doctype == "" {
		return ReasonDoctypeNotAllowed, nil
	}
	ok, err := g.deps.Directory.IsDocTypeAllowed(ctx, a.req.Doctype)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonDoctypeNotAllowed, nil
	}
	return "", nil
}

func (g *Gate) checkFieldPermission(ctx context.Context, a *attempt) (Reason, error) {
	if a.req.Field == "" {
		return ReasonFieldPermissionDenied, nil
	}
	roles, err := g.deps.Directory.UserRoles(ctx, a.req.User)
	if err != nil {
		return "", err
	}
	rules, err := g.deps.Directory.FieldRules(ctx, a.req.Doctype, a.req.Field)
	if err != nil {
		return "", err
	}
	if !auth.Allows(rules, a.req.User, roles) {
		return ReasonFieldPermissionDenied, nil
	}
	return "", nil
}

func (g *Gate) checkRateLimit(ctx context.Context, a *attempt) (Reason, error) {
	d, err := g.deps.Limiter.Allow(ctx, a.req.User)
	if err != nil {
		return "", err
	}
	if !d.Allowed {
		obs.ObserveRateLimited()
		return ReasonRateLimited, nil
	}
	return "", nil
}

func (g *Gate) checkMFA(ctx context.Context, a *attempt) (Reason, error) {
	enabled, err := g.deps.MFA.IsEnabled(ctx, a.req.User)
	if err != nil {
		return "", err
	}
	if !enabled {
		return "", nil
	}
	if a.req.MFAToken == "" {
		return ReasonMFARequired, nil
	}
	ok, err := g.deps.MFA.Verify(ctx, a.req.User, a.req.MFAToken)
	switch {
	case errors.Is(err, mfa.ErrNotSetup):
		// disabled between the two calls
		return "", nil
	case err != nil:
		return "", err
	case !ok:
		return ReasonMFAInvalid, nil
	}
	return "", nil
}

func (g *Gate) decrypt(ctx context.Context, a *attempt) (Reason, error) {
	v, err := g.deps.Vault.GetField(ctx, a.req.Doctype, a.req.Docname, a.req.Field)
	if err != nil {
		return "", err
	}
	a.value = v
	return "", nil
}
