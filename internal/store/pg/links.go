package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"revealgate.dev/internal/links"
)

// Links implements links.Store over reveal_links.
type Links struct {
	db *sql.DB
}

var _ links.Store = (*Links)(nil)

const linkColumns = `id, doctype, docname, field, creator, created_at, expires_at,
	max_uses, current_uses, is_active, last_accessed_at, last_access_ip`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (links.Link, error) {
	var (
		l        links.Link
		accessed sql.NullTime
	)
	err := row.Scan(&l.ID, &l.Doctype, &l.Docname, &l.Field, &l.Creator, &l.CreatedAt, &l.ExpiresAt,
		&l.MaxUses, &l.CurrentUses, &l.Active, &accessed, &l.LastAccessIP)
	if err != nil {
		return links.Link{}, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.LastAccessedAt = fromNullTime(accessed)
	return l, nil
}

func (s *Links) Insert(ctx context.Context, l links.Link) error {
	_, err := s.db.ExecContext(ctx, `
		insert into reveal_links (`+linkColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, l.ID, l.Doctype, l.Docname, l.Field, l.Creator, l.CreatedAt.UTC(), l.ExpiresAt.UTC(),
		l.MaxUses, l.CurrentUses, l.Active, nullTime(l.LastAccessedAt), l.LastAccessIP)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: duplicate link id", links.ErrInvalidInput)
		case pgErrCheckViolation:
			return fmt.Errorf("%w: %s", links.ErrInvalidInput, pgErr.Message)
		}
	}
	return err
}

func (s *Links) Get(ctx context.Context, id string) (links.Link, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx, `select `+linkColumns+` from reveal_links where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return links.Link{}, links.ErrLinkNotFound
	}
	return l, err
}

// Consume increments the use counter with a conditional update. When no row
// qualifies, the row is locked and classified in the same transaction so the
// reported reason matches the state that blocked the update.
func (s *Links) Consume(ctx context.Context, id string, now time.Time, acc links.Access) (links.Link, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return links.Link{}, err
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanLink(tx.QueryRowContext(ctx, `
		update reveal_links
		set current_uses = current_uses + 1, last_accessed_at = $2, last_access_ip = $3
		where id = $1 and is_active and expires_at > $2 and current_uses < max_uses
		returning `+linkColumns, id, now.UTC(), acc.IP))
	if err == nil {
		if err := tx.Commit(); err != nil {
			return links.Link{}, err
		}
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return links.Link{}, err
	}

	l, err = scanLink(tx.QueryRowContext(ctx, `select `+linkColumns+` from reveal_links where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return links.Link{}, links.ErrLinkNotFound
	}
	if err != nil {
		return links.Link{}, err
	}
	if cerr := l.Check(now); cerr != nil {
		return l, cerr
	}
	return l, links.ErrLinkExhausted
}

func (s *Links) Refund(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update reveal_links set current_uses = current_uses - 1
		where id = $1 and current_uses > 0
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *Links) Revoke(ctx context.Context, id, owner string) (links.Link, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx, `
		update reveal_links set is_active = false
		where id = $1 and creator = $2
		returning `+linkColumns, id, owner))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return links.Link{}, err
	}
	if _, gerr := s.Get(ctx, id); gerr != nil {
		return links.Link{}, gerr
	}
	return links.Link{}, links.ErrNotOwner
}

func (s *Links) ListByCreator(ctx context.Context, creator string, limit int) ([]links.Link, error) {
	if limit <= 0 {
		limit = links.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+linkColumns+`
		from reveal_links
		where creator = $1
		order by created_at desc, id desc
		limit $2
	`, creator, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []links.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
