package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/config"
	"revealgate.dev/internal/reveal"
	"revealgate.dev/internal/vault"
)

func TestBuildInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Secret = "0123456789abcdef0123"

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.PG)
	assert.NotNil(t, a.Tokens)
	assert.NotNil(t, a.API("test").Handler())

	ctx := context.Background()
	require.NoError(t, a.Matrix.Trust(ctx, "alice", "admin"))
	require.NoError(t, a.Matrix.AllowDocType(ctx, "Email Account"))
	_, err = a.Matrix.Grant(ctx, auth.FieldPermission{
		Doctype: "Email Account", Field: "password", GranteeKind: auth.GranteeUser, Grantee: "alice", CanReveal: true,
	})
	require.NoError(t, err)

	mem, ok := a.Vault.(*vault.Memory)
	require.True(t, ok)
	mem.PutDocument("Email Account", "acc-1", nil)
	require.NoError(t, a.Vault.SetFieldEncrypted(ctx, "Email Account", "acc-1", "password", "s3cret"))

	got, err := a.Gate.Reveal(ctx, reveal.Request{User: "alice", Doctype: "Email Account", Docname: "acc-1", Field: "password"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}

func TestBuildWithRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.RateLimit.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Readiness.Redis)
	assert.NoError(t, a.Readiness.Check(context.Background()))
	assert.Nil(t, a.Tokens)
}

func TestBuildRequiresMasterKeyWithDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = "postgres://localhost/revealgate"
	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}
