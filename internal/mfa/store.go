package mfa

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotSetup       = errors.New("mfa: not set up")
	ErrAlreadyEnabled = errors.New("mfa: already enabled")
	ErrInvalidToken   = errors.New("mfa: invalid token")
)

// Secret is the per-user TOTP state.
type Secret struct {
	User        string
	Secret      string // base32
	Enabled     bool
	CreatedAt   time.Time
	EnabledAt   time.Time
	BackupCodes []BackupCode
}

// BackupCode is a hashed one-time recovery code.
type BackupCode struct {
	Hash   string
	Used   bool
	UsedAt time.Time
}

// Store persists MFA secrets. ConsumeBackupCode must mark the code used in
// the same atomic step that checks it is unused.
type Store interface {
	Get(ctx context.Context, user string) (Secret, error)
	// SavePending replaces any pending secret; it fails with ErrAlreadyEnabled
	// when the user already has MFA enabled.
	SavePending(ctx context.Context, user, secret string, at time.Time) error
	// Enable flips the pending secret to enabled and stores the code hashes.
	// It fails with ErrNotSetup when secret is no longer the pending one.
	Enable(ctx context.Context, user, secret string, hashes []string, at time.Time) error
	ConsumeBackupCode(ctx context.Context, user, hash string, at time.Time) (bool, error)
	Disable(ctx context.Context, user string) error
	CountEnabled(ctx context.Context) (int, error)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string]*Secret
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]*Secret)}
}

func (s *MemoryStore) Get(ctx context.Context, user string) (Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.secrets[user]
	if !ok {
		return Secret{}, ErrNotSetup
	}
	out := *sec
	out.BackupCodes = append([]BackupCode(nil), sec.BackupCodes...)
	return out, nil
}

func (s *MemoryStore) SavePending(ctx context.Context, user, secret string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.secrets[user]; ok && cur.Enabled {
		return ErrAlreadyEnabled
	}
	s.secrets[user] = &Secret{User: user, Secret: secret, CreatedAt: at}
	return nil
}

func (s *MemoryStore) Enable(ctx context.Context, user, secret string, hashes []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.secrets[user]
	if !ok || cur.Secret != secret {
		return ErrNotSetup
	}
	if cur.Enabled {
		return ErrAlreadyEnabled
	}
	cur.Enabled = true
	cur.EnabledAt = at
	cur.BackupCodes = make([]BackupCode, len(hashes))
	for i, h := range hashes {
		cur.BackupCodes[i] = BackupCode{Hash: h}
	}
	return nil
}

func (s *MemoryStore) ConsumeBackupCode(ctx context.Context, user, hash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.secrets[user]
	if !ok || !cur.Enabled {
		return false, nil
	}
	for i := range cur.BackupCodes {
		bc := &cur.BackupCodes[i]
		if bc.Hash == hash && !bc.Used {
			bc.Used = true
			bc.UsedAt = at
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Disable(ctx context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[user]; !ok {
		return ErrNotSetup
	}
	delete(s.secrets, user)
	return nil
}

func (s *MemoryStore) CountEnabled(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sec := range s.secrets {
		if sec.Enabled {
			n++
		}
	}
	return n, nil
}
