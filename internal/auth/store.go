package auth

import "context"

// Directory is the read side consulted by the reveal guard chain.
type Directory interface {
	IsTrusted(ctx context.Context, user string) (bool, error)
	IsDocTypeAllowed(ctx context.Context, doctype string) (bool, error)
	AllowedDocTypes(ctx context.Context) ([]string, error)
	UserRoles(ctx context.Context, user string) ([]string, error)
	FieldRules(ctx context.Context, doctype, field string) ([]FieldPermission, error)
}

// Store adds the administrative mutations on top of Directory.
type Store interface {
	Directory

	SetTrusted(ctx context.Context, u TrustedUser) error
	ListTrusted(ctx context.Context) ([]TrustedUser, error)
	AllowDocType(ctx context.Context, doctype string) error
	RemoveDocType(ctx context.Context, doctype string) error
	SetUserRoles(ctx context.Context, user string, roles []string) error
	// UpsertFieldRule inserts or replaces the rule occupying p.Key() and
	// reports whether a new row was created.
	UpsertFieldRule(ctx context.Context, p FieldPermission) (bool, error)
	DeleteFieldRule(ctx context.Context, key RuleKey) error
	ListFieldRules(ctx context.Context, doctype string) ([]FieldPermission, error)
}
