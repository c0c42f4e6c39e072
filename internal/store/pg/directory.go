package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/ids"
)

// Directory implements auth.Store over the permission tables.
type Directory struct {
	db *sql.DB
}

var _ auth.Store = (*Directory)(nil)

func (d *Directory) IsTrusted(ctx context.Context, user string) (bool, error) {
	var enabled bool
	err := d.db.QueryRowContext(ctx, `select enabled from trusted_users where user_id = $1`, user).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}

func (d *Directory) IsDocTypeAllowed(ctx context.Context, doctype string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `select 1 from allowed_doctypes where doctype = $1`, doctype).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Directory) AllowedDocTypes(ctx context.Context) ([]string, error) {
	return d.queryStrings(ctx, `select doctype from allowed_doctypes order by doctype`)
}

func (d *Directory) UserRoles(ctx context.Context, user string) ([]string, error) {
	return d.queryStrings(ctx, `select role from user_roles where user_id = $1 order by role`, user)
}

func (d *Directory) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const fieldRuleColumns = `id, doctype, field, grantee_kind, grantee, can_reveal, updated_at`

func (d *Directory) FieldRules(ctx context.Context, doctype, field string) ([]auth.FieldPermission, error) {
	return d.fieldRules(ctx, `
		select `+fieldRuleColumns+`
		from field_permissions
		where doctype = $1 and field = $2
		order by grantee_kind, grantee
	`, doctype, field)
}

func (d *Directory) ListFieldRules(ctx context.Context, doctype string) ([]auth.FieldPermission, error) {
	if doctype == "" {
		return d.fieldRules(ctx, `select `+fieldRuleColumns+` from field_permissions order by doctype, field, grantee_kind, grantee`)
	}
	return d.fieldRules(ctx, `
		select `+fieldRuleColumns+`
		from field_permissions
		where doctype = $1
		order by field, grantee_kind, grantee
	`, doctype)
}

func (d *Directory) fieldRules(ctx context.Context, query string, args ...any) ([]auth.FieldPermission, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.FieldPermission
	for rows.Next() {
		var p auth.FieldPermission
		var kind string
		if err := rows.Scan(&p.ID, &p.Doctype, &p.Field, &kind, &p.Grantee, &p.CanReveal, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.GranteeKind = auth.GranteeKind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *Directory) SetTrusted(ctx context.Context, u auth.TrustedUser) error {
	_, err := d.db.ExecContext(ctx, `
		insert into trusted_users (user_id, enabled, added_by, updated_at)
		values ($1, $2, $3, now())
		on conflict (user_id) do update
		set enabled = excluded.enabled, added_by = excluded.added_by, updated_at = now()
	`, u.User, u.Enabled, nullIfEmpty(u.AddedBy))
	return err
}

func (d *Directory) ListTrusted(ctx context.Context) ([]auth.TrustedUser, error) {
	rows, err := d.db.QueryContext(ctx, `
		select user_id, enabled, coalesce(added_by, ''), updated_at
		from trusted_users
		order by user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.TrustedUser
	for rows.Next() {
		var u auth.TrustedUser
		if err := rows.Scan(&u.User, &u.Enabled, &u.AddedBy, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (d *Directory) AllowDocType(ctx context.Context, doctype string) error {
	_, err := d.db.ExecContext(ctx, `insert into allowed_doctypes (doctype) values ($1) on conflict (doctype) do nothing`, doctype)
	return err
}

func (d *Directory) RemoveDocType(ctx context.Context, doctype string) error {
	return expectOne(d.db.ExecContext(ctx, `delete from allowed_doctypes where doctype = $1`, doctype))
}

func (d *Directory) SetUserRoles(ctx context.Context, user string, roles []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, user); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, r := range roles {
		r = auth.NormalizeRole(r)
		if _, dup := seen[r]; dup || r == "" {
			continue
		}
		seen[r] = struct{}{}
		if _, err := tx.ExecContext(ctx, `insert into user_roles (user_id, role) values ($1, $2)`, user, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *Directory) UpsertFieldRule(ctx context.Context, p auth.FieldPermission) (bool, error) {
	if !p.GranteeKind.Valid() {
		return false, fmt.Errorf("%w: grantee kind %q", auth.ErrInvalidInput, p.GranteeKind)
	}
	if p.GranteeKind == auth.GranteeRole {
		p.Grantee = auth.NormalizeRole(p.Grantee)
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = ids.New()
	}
	// xmax = 0 only for a freshly inserted tuple.
	var created bool
	err := d.db.QueryRowContext(ctx, `
		insert into field_permissions (id, doctype, field, grantee_kind, grantee, can_reveal, updated_at)
		values ($1, $2, $3, $4, $5, $6, now())
		on conflict (doctype, field, grantee_kind, grantee) do update
		set can_reveal = excluded.can_reveal, updated_at = now()
		returning (xmax = 0)
	`, p.ID, p.Doctype, p.Field, string(p.GranteeKind), p.Grantee, p.CanReveal).Scan(&created)
	if err != nil {
		return false, err
	}
	return created, nil
}

func (d *Directory) DeleteFieldRule(ctx context.Context, key auth.RuleKey) error {
	grantee := key.Grantee
	if key.GranteeKind == auth.GranteeRole {
		grantee = auth.NormalizeRole(grantee)
	}
	return expectOne(d.db.ExecContext(ctx, `
		delete from field_permissions
		where doctype = $1 and field = $2 and grantee_kind = $3 and grantee = $4
	`, key.Doctype, key.Field, string(key.GranteeKind), grantee))
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
