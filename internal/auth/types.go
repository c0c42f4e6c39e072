package auth

import (
	"strings"
	"time"
)

// GranteeKind tells whether a FieldPermission targets a role or a single user.
type GranteeKind string

const (
	GranteeRole GranteeKind = "role"
	GranteeUser GranteeKind = "user"
)

// Valid reports whether k is a known grantee kind.
func (k GranteeKind) Valid() bool {
	return k == GranteeRole || k == GranteeUser
}

// TrustedUser is an operator allowed to attempt reveals at all.
type TrustedUser struct {
	User      string    `json:"user" yaml:"user"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	AddedBy   string    `json:"added_by,omitempty" yaml:"added_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// FieldPermission grants or withholds reveal of one field of one doctype.
// There is at most one rule per (doctype, field, grantee kind, grantee).
type FieldPermission struct {
	ID          string      `json:"id" yaml:"-"`
	Doctype     string      `json:"doctype" yaml:"doctype"`
	Field       string      `json:"field" yaml:"field"`
	GranteeKind GranteeKind `json:"grantee_kind" yaml:"grantee_kind"`
	Grantee     string      `json:"grantee" yaml:"grantee"`
	CanReveal   bool        `json:"can_reveal" yaml:"can_reveal"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"-"`
}

// Key identifies the rule slot a permission occupies.
func (p FieldPermission) Key() RuleKey {
	return RuleKey{
		Doctype:     p.Doctype,
		Field:       p.Field,
		GranteeKind: p.GranteeKind,
		Grantee:     p.Grantee,
	}
}

// RuleKey is the uniqueness key of a FieldPermission.
type RuleKey struct {
	Doctype     string
	Field       string
	GranteeKind GranteeKind
	Grantee     string
}

// normalize trims identifiers and lower-cases role names so that
// "System Manager" and "system manager" address the same rule.
func (p FieldPermission) normalize() FieldPermission {
	p.Doctype = strings.TrimSpace(p.Doctype)
	p.Field = strings.TrimSpace(p.Field)
	p.Grantee = strings.TrimSpace(p.Grantee)
	if p.GranteeKind == GranteeRole {
		p.Grantee = NormalizeRole(p.Grantee)
	}
	return p
}

// NormalizeRole canonicalises a role name.
func NormalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
