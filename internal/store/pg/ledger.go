package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"revealgate.dev/internal/ledger"
)

// Sessions implements ledger.Service over reveal_sessions.
type Sessions struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Service = (*Sessions)(nil)

const sessionColumns = `id, user_id, doctype, docname, field, ts, ip, user_agent, fingerprint,
	success, reason, anomaly_score, suspicious, anomaly_reasons, via, link_id`

func (l *Sessions) Append(ctx context.Context, sess ledger.RevealSession) (ledger.RevealSession, error) {
	sess, err := ledger.Prepare(sess, l.now())
	if err != nil {
		return ledger.RevealSession{}, err
	}
	reasons, err := json.Marshal(nonNil(sess.AnomalyReasons))
	if err != nil {
		return ledger.RevealSession{}, fmt.Errorf("encode anomaly reasons: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		insert into reveal_sessions (`+sessionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sess.ID, sess.User, sess.Doctype, sess.Docname, sess.Field, sess.Timestamp,
		sess.IP, sess.UserAgent, sess.Fingerprint, sess.Success, sess.Reason,
		sess.AnomalyScore, sess.Suspicious, reasons, sess.Via, sess.LinkID)
	if err != nil {
		return ledger.RevealSession{}, err
	}
	return sess, nil
}

func (l *Sessions) History(ctx context.Context, user string, since time.Time, limit int) ([]ledger.RevealSession, error) {
	return l.List(ctx, ledger.Filter{User: user, Since: since, Limit: limit})
}

func (l *Sessions) List(ctx context.Context, f ledger.Filter) ([]ledger.RevealSession, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.User != "" {
		add("user_id = $%d", f.User)
	}
	if f.Doctype != "" {
		add("doctype = $%d", f.Doctype)
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("ts < $%d", f.Until.UTC())
	}
	if f.SuspiciousOnly {
		where = append(where, "suspicious")
	}
	if f.FailedOnly {
		where = append(where, "not success")
	}

	query := `select ` + sessionColumns + ` from reveal_sessions`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by ts desc, id desc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` limit $%d`, len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.RevealSession
	for rows.Next() {
		var (
			r       ledger.RevealSession
			reasons []byte
		)
		if err := rows.Scan(&r.ID, &r.User, &r.Doctype, &r.Docname, &r.Field, &r.Timestamp,
			&r.IP, &r.UserAgent, &r.Fingerprint, &r.Success, &r.Reason,
			&r.AnomalyScore, &r.Suspicious, &reasons, &r.Via, &r.LinkID); err != nil {
			return nil, err
		}
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &r.AnomalyReasons); err != nil {
				return nil, fmt.Errorf("decode anomaly reasons: %w", err)
			}
			if len(r.AnomalyReasons) == 0 {
				r.AnomalyReasons = nil
			}
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
