package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"revealgate.dev/internal/ids"
	"revealgate.dev/internal/rotation"
)

// Policies implements rotation.Store.
type Policies struct {
	db *sql.DB
}

var _ rotation.Store = (*Policies)(nil)

const policyColumns = `name, doctype, field, filter, frequency, interval_days,
	gen_length, use_numbers, use_special, last_rotation, next_rotation, enabled`

func scanPolicy(row rowScanner) (rotation.Policy, error) {
	var (
		p          rotation.Policy
		filter     []byte
		freq       string
		last, next sql.NullTime
	)
	if err := row.Scan(&p.Name, &p.Doctype, &p.Field, &filter, &freq, &p.IntervalDays,
		&p.Generator.Length, &p.Generator.UseNumbers, &p.Generator.UseSpecial, &last, &next, &p.Enabled); err != nil {
		return rotation.Policy{}, err
	}
	p.Frequency = rotation.Frequency(freq)
	p.LastRotation = fromNullTime(last)
	p.NextRotation = fromNullTime(next)
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &p.Filter); err != nil {
			return rotation.Policy{}, fmt.Errorf("decode filter: %w", err)
		}
		if len(p.Filter) == 0 {
			p.Filter = nil
		}
	}
	return p, nil
}

func (s *Policies) Get(ctx context.Context, name string) (rotation.Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `select `+policyColumns+` from rotation_policies where name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return rotation.Policy{}, rotation.ErrPolicyNotFound
	}
	return p, err
}

func (s *Policies) List(ctx context.Context) ([]rotation.Policy, error) {
	return s.list(ctx, `select `+policyColumns+` from rotation_policies order by name`)
}

func (s *Policies) ListDue(ctx context.Context, now time.Time) ([]rotation.Policy, error) {
	return s.list(ctx, `
		select `+policyColumns+`
		from rotation_policies
		where enabled and (next_rotation is null or next_rotation <= $1)
		order by name
	`, now.UTC())
}

func (s *Policies) list(ctx context.Context, query string, args ...any) ([]rotation.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rotation.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Policies) Upsert(ctx context.Context, p rotation.Policy) error {
	filter := []byte("{}")
	if len(p.Filter) > 0 {
		b, err := json.Marshal(p.Filter)
		if err != nil {
			return fmt.Errorf("encode filter: %w", err)
		}
		filter = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into rotation_policies (`+policyColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		on conflict (name) do update set
			doctype = excluded.doctype,
			field = excluded.field,
			filter = excluded.filter,
			frequency = excluded.frequency,
			interval_days = excluded.interval_days,
			gen_length = excluded.gen_length,
			use_numbers = excluded.use_numbers,
			use_special = excluded.use_special,
			last_rotation = excluded.last_rotation,
			next_rotation = excluded.next_rotation,
			enabled = excluded.enabled
	`, p.Name, p.Doctype, p.Field, filter, string(p.Frequency), p.IntervalDays,
		p.Generator.Length, p.Generator.UseNumbers, p.Generator.UseSpecial,
		nullTime(p.LastRotation), nullTime(p.NextRotation), p.Enabled)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
		return fmt.Errorf("%w: %s", rotation.ErrInvalidPolicy, pgErr.Message)
	}
	return err
}

// Claim takes the run lease when it is free or expired.
func (s *Policies) Claim(ctx context.Context, name string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update rotation_policies
		set claimed_until = $3
		where name = $1 and (claimed_until is null or claimed_until <= $2)
	`, name, now.UTC(), until.UTC())
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return n == 1, err
	}
	if _, err := s.Get(ctx, name); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Policies) Release(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `update rotation_policies set claimed_until = null where name = $1`, name)
	return err
}

// Advance is a compare-and-set on next_rotation; a NULL previous value
// matches a policy that never ran.
func (s *Policies) Advance(ctx context.Context, name string, prevNext, last, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update rotation_policies
		set last_rotation = $3, next_rotation = $4, claimed_until = null
		where name = $1 and next_rotation is not distinct from $2
	`, name, nullTime(prevNext), last.UTC(), next.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Policies) AppendHistory(ctx context.Context, h rotation.History) error {
	if h.ID == "" {
		h.ID = ids.NewAt(h.RotatedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into rotation_history (id, policy, doctype, docname, rotated_at, status, error)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, h.ID, h.Policy, h.Doctype, h.Docname, h.RotatedAt.UTC(), string(h.Status), h.Error)
	return err
}

func (s *Policies) ListHistory(ctx context.Context, policy string, limit int) ([]rotation.History, error) {
	query := `select id, policy, doctype, docname, rotated_at, status, error from rotation_history`
	var args []any
	if policy != "" {
		args = append(args, policy)
		query += ` where policy = $1`
	}
	query += ` order by rotated_at desc, id desc`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` limit $%d`, len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rotation.History
	for rows.Next() {
		var (
			h      rotation.History
			status string
		)
		if err := rows.Scan(&h.ID, &h.Policy, &h.Doctype, &h.Docname, &h.RotatedAt, &status, &h.Error); err != nil {
			return nil, err
		}
		h.Status = rotation.Status(status)
		h.RotatedAt = h.RotatedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
