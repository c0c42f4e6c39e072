package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"revealgate.dev/internal/vault"
)

const pgErrForeignKeyViolation = "23503"

// Documents implements vault.Accessor over documents and document_secrets.
type Documents struct {
	db     *sql.DB
	cipher *vault.Cipher
}

var _ vault.Accessor = (*Documents)(nil)

// PutDocument creates or replaces the plain attributes of a document.
func (d *Documents) PutDocument(ctx context.Context, doctype, docname string, attrs map[string]string) error {
	if attrs == nil {
		attrs = map[string]string{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attrs: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		insert into documents (doctype, docname, attrs) values ($1, $2, $3)
		on conflict (doctype, docname) do update set attrs = excluded.attrs
	`, doctype, docname, raw)
	return err
}

func (d *Documents) GetField(ctx context.Context, doctype, docname, field string) (string, error) {
	var sealed, plain sql.NullString
	err := d.db.QueryRowContext(ctx, `
		select s.sealed, doc.attrs ->> $3
		from documents doc
		left join document_secrets s
			on s.doctype = doc.doctype and s.docname = doc.docname and s.field = $3
		where doc.doctype = $1 and doc.docname = $2
	`, doctype, docname, field).Scan(&sealed, &plain)
	if errors.Is(err, sql.ErrNoRows) {
		return "", vault.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	switch {
	case sealed.Valid:
		v, err := d.cipher.Open(sealed.String, vault.AAD(doctype, docname, field))
		if err != nil {
			return "", err
		}
		return string(v), nil
	case plain.Valid:
		return plain.String, nil
	}
	return "", vault.ErrNotFound
}

func (d *Documents) SetFieldEncrypted(ctx context.Context, doctype, docname, field, value string) error {
	sealed, err := d.cipher.Seal([]byte(value), vault.AAD(doctype, docname, field))
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		insert into document_secrets (doctype, docname, field, sealed, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (doctype, docname, field) do update
		set sealed = excluded.sealed, updated_at = now()
	`, doctype, docname, field, sealed)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return vault.ErrNotFound
	}
	return err
}

func (d *Documents) ListDocuments(ctx context.Context, doctype string, filter map[string]string) ([]string, error) {
	if filter == nil {
		filter = map[string]string{}
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	rows, err := d.db.QueryContext(ctx, `
		select docname from documents
		where doctype = $1 and attrs @> $2::jsonb
		order by docname
	`, doctype, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
