package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Matrix evaluates and administers reveal permissions. Evaluation is
// fail-closed: without a matching rule that sets CanReveal the answer is no.
type Matrix struct {
	store Store
}

// NewMatrix wraps a Store.
func NewMatrix(store Store) *Matrix {
	return &Matrix{store: store}
}

// Store exposes the underlying directory.
func (m *Matrix) Store() Store { return m.store }

// Allows reports whether rules let user (holding roles) reveal the field.
// A per-user rule always wins over role rules, so an explicit user rule with
// CanReveal=false withholds access even when a role would grant it.
func Allows(rules []FieldPermission, user string, roles []string) bool {
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[NormalizeRole(r)] = struct{}{}
	}
	roleGrant := false
	for _, p := range rules {
		switch p.GranteeKind {
		case GranteeUser:
			if p.Grantee == user {
				return p.CanReveal
			}
		case GranteeRole:
			if _, ok := roleSet[NormalizeRole(p.Grantee)]; ok && p.CanReveal {
				roleGrant = true
			}
		}
	}
	return roleGrant
}

// HasFieldPermission looks up the user's roles and evaluates the rules for (doctype, field).
func (m *Matrix) HasFieldPermission(ctx context.Context, doctype, field, user string) (bool, error) {
	if strings.TrimSpace(doctype) == "" || strings.TrimSpace(field) == "" || strings.TrimSpace(user) == "" {
		return false, nil
	}
	roles, err := m.store.UserRoles(ctx, user)
	if err != nil {
		return false, fmt.Errorf("load roles: %w", err)
	}
	rules, err := m.store.FieldRules(ctx, doctype, field)
	if err != nil {
		return false, fmt.Errorf("load field rules: %w", err)
	}
	return Allows(rules, user, roles), nil
}

// Trust enables or re-enables user as a trusted operator.
func (m *Matrix) Trust(ctx context.Context, user, by string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return m.store.SetTrusted(ctx, TrustedUser{User: user, Enabled: true, AddedBy: strings.TrimSpace(by)})
}

// Distrust disables user without deleting the record.
func (m *Matrix) Distrust(ctx context.Context, user, by string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return m.store.SetTrusted(ctx, TrustedUser{User: user, Enabled: false, AddedBy: strings.TrimSpace(by)})
}

// AllowDocType whitelists doctype for reveal.
func (m *Matrix) AllowDocType(ctx context.Context, doctype string) error {
	doctype = strings.TrimSpace(doctype)
	if doctype == "" {
		return fmt.Errorf("%w: doctype is required", ErrInvalidInput)
	}
	return m.store.AllowDocType(ctx, doctype)
}

// Grant stores p, replacing any existing rule for the same grantee.
func (m *Matrix) Grant(ctx context.Context, p FieldPermission) (bool, error) {
	p = p.normalize()
	if err := validateRule(p); err != nil {
		return false, err
	}
	return m.store.UpsertFieldRule(ctx, p)
}

// Revoke removes the rule stored under key.
func (m *Matrix) Revoke(ctx context.Context, key RuleKey) error {
	p := FieldPermission{Doctype: key.Doctype, Field: key.Field, GranteeKind: key.GranteeKind, Grantee: key.Grantee}.normalize()
	if err := validateRule(p); err != nil {
		return err
	}
	return m.store.DeleteFieldRule(ctx, p.Key())
}

// BulkResult summarises an Upsert call.
type BulkResult struct {
	Created int
	Updated int
	Errors  []error
}

// Total is the number of rules written.
func (r BulkResult) Total() int { return r.Created + r.Updated }

// Upsert writes every rule, continuing past invalid entries. It fails only
// on storage errors.
func (m *Matrix) Upsert(ctx context.Context, rules []FieldPermission) (BulkResult, error) {
	var res BulkResult
	for i, p := range rules {
		created, err := m.Grant(ctx, p)
		if err != nil {
			if errors.Is(err, ErrInvalidInput) {
				res.Errors = append(res.Errors, fmt.Errorf("rule %d: %w", i, err))
				continue
			}
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func validateRule(p FieldPermission) error {
	switch {
	case p.Doctype == "":
		return fmt.Errorf("%w: doctype is required", ErrInvalidInput)
	case p.Field == "":
		return fmt.Errorf("%w: field is required", ErrInvalidInput)
	case !p.GranteeKind.Valid():
		return fmt.Errorf("%w: grantee kind %q", ErrInvalidInput, p.GranteeKind)
	case p.Grantee == "":
		return fmt.Errorf("%w: grantee is required", ErrInvalidInput)
	}
	return nil
}
