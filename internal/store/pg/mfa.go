package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"revealgate.dev/internal/mfa"
	"revealgate.dev/internal/vault"
)

// MFASecrets implements mfa.Store. The TOTP secret is sealed at rest.
type MFASecrets struct {
	db     *sql.DB
	cipher *vault.Cipher
}

var _ mfa.Store = (*MFASecrets)(nil)

func secretAAD(user string) []byte {
	return vault.AAD("mfa_secrets", user, "secret")
}

func (s *MFASecrets) seal(user, secret string) (string, error) {
	if s.cipher == nil {
		return "", errors.New("mfa store: cipher is not configured")
	}
	return s.cipher.Seal([]byte(secret), secretAAD(user))
}

func (s *MFASecrets) open(user, sealed string) (string, error) {
	if s.cipher == nil {
		return "", errors.New("mfa store: cipher is not configured")
	}
	plain, err := s.cipher.Open(sealed, secretAAD(user))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *MFASecrets) Get(ctx context.Context, user string) (mfa.Secret, error) {
	var (
		sec       = mfa.Secret{User: user}
		sealed    string
		enabledAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select secret_sealed, enabled, created_at, enabled_at
		from mfa_secrets where user_id = $1
	`, user).Scan(&sealed, &sec.Enabled, &sec.CreatedAt, &enabledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mfa.Secret{}, mfa.ErrNotSetup
	}
	if err != nil {
		return mfa.Secret{}, err
	}
	sec.EnabledAt = fromNullTime(enabledAt)
	if sec.Secret, err = s.open(user, sealed); err != nil {
		return mfa.Secret{}, fmt.Errorf("open mfa secret: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		select hash, used, used_at from mfa_backup_codes where user_id = $1 order by hash
	`, user)
	if err != nil {
		return mfa.Secret{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			bc     mfa.BackupCode
			usedAt sql.NullTime
		)
		if err := rows.Scan(&bc.Hash, &bc.Used, &usedAt); err != nil {
			return mfa.Secret{}, err
		}
		bc.UsedAt = fromNullTime(usedAt)
		sec.BackupCodes = append(sec.BackupCodes, bc)
	}
	return sec, rows.Err()
}

func (s *MFASecrets) SavePending(ctx context.Context, user, secret string, at time.Time) error {
	sealed, err := s.seal(user, secret)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		insert into mfa_secrets (user_id, secret_sealed, enabled, created_at)
		values ($1, $2, false, $3)
		on conflict (user_id) do update
		set secret_sealed = excluded.secret_sealed, created_at = excluded.created_at
		where not mfa_secrets.enabled
	`, user, sealed, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mfa.ErrAlreadyEnabled
	}
	return nil
}

func (s *MFASecrets) Enable(ctx context.Context, user, secret string, hashes []string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sealed  string
		enabled bool
	)
	err = tx.QueryRowContext(ctx, `
		select secret_sealed, enabled from mfa_secrets where user_id = $1 for update
	`, user).Scan(&sealed, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return mfa.ErrNotSetup
	}
	if err != nil {
		return err
	}
	if enabled {
		return mfa.ErrAlreadyEnabled
	}
	pending, err := s.open(user, sealed)
	if err != nil {
		return err
	}
	if pending != secret {
		return mfa.ErrNotSetup
	}

	if _, err := tx.ExecContext(ctx, `
		update mfa_secrets set enabled = true, enabled_at = $2 where user_id = $1
	`, user, at.UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from mfa_backup_codes where user_id = $1`, user); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `
			insert into mfa_backup_codes (user_id, hash) values ($1, $2)
		`, user, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConsumeBackupCode flips used in a single conditional update, so two
// concurrent verifications of the same code cannot both succeed.
func (s *MFASecrets) ConsumeBackupCode(ctx context.Context, user, hash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update mfa_backup_codes set used = true, used_at = $3
		where user_id = $1 and hash = $2 and not used
	`, user, hash, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *MFASecrets) Disable(ctx context.Context, user string) error {
	res, err := s.db.ExecContext(ctx, `delete from mfa_secrets where user_id = $1`, user)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mfa.ErrNotSetup
	}
	return nil
}

func (s *MFASecrets) CountEnabled(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from mfa_secrets where enabled`).Scan(&n)
	return n, err
}
