package links

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revealgate.dev/internal/ledger"
	"revealgate.dev/internal/vault"
)

type checkerFunc func(ctx context.Context, user, doctype, field string) (bool, error)

func (f checkerFunc) CanReveal(ctx context.Context, user, doctype, field string) (bool, error) {
	return f(ctx, user, doctype, field)
}

func allowManager(_ context.Context, user, _, _ string) (bool, error) {
	return user == "manager", nil
}

type fixture struct {
	svc    *Service
	ledger *ledger.InMemory
	vault  *vault.Memory
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := vault.GenerateKeyring()
	require.NoError(t, err)
	c, err := vault.NewCipher(kr, "fields")
	require.NoError(t, err)
	v := vault.NewMemory(c)
	v.PutDocument("User", "u1", nil)
	require.NoError(t, v.SetFieldEncrypted(context.Background(), "User", "u1", "password", "s3cret"))

	f := &fixture{ledger: ledger.NewInMemory(), vault: v, now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	f.svc = NewService(NewMemoryStore(), checkerFunc(allowManager), v, f.ledger,
		Config{BaseURL: "https://erp.example.com/", MaxHours: 168, MaxUses: 100},
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) create(t *testing.T, hours, uses int) Created {
	t.Helper()
	c, err := f.svc.Create(context.Background(), CreateRequest{
		Doctype: "User", Docname: "u1", Field: "password",
		ExpiresInHours: hours, MaxUses: uses, Creator: "manager",
	})
	require.NoError(t, err)
	return c
}

func TestCreateReturnsURLAndQR(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, 24, 3)

	assert.Len(t, c.Link.ID, 43)
	assert.Equal(t, "https://erp.example.com/reveal-link/"+c.Link.ID, c.URL)
	assert.True(t, strings.HasPrefix(c.QRCode, "data:image/png;base64,"))
	assert.Equal(t, f.now.Add(24*time.Hour), c.Link.ExpiresAt)
	assert.True(t, c.Link.Active)
	assert.Equal(t, 0, c.Link.CurrentUses)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := CreateRequest{Doctype: "User", Docname: "u1", Field: "password", ExpiresInHours: 1, MaxUses: 1, Creator: "manager"}

	cases := map[string]func(r *CreateRequest){
		"zero hours":  func(r *CreateRequest) { r.ExpiresInHours = 0 },
		"too long":    func(r *CreateRequest) { r.ExpiresInHours = 169 },
		"zero uses":   func(r *CreateRequest) { r.MaxUses = 0 },
		"too many":    func(r *CreateRequest) { r.MaxUses = 101 },
		"missing doc": func(r *CreateRequest) { r.Docname = " " },
		"no creator":  func(r *CreateRequest) { r.Creator = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := base
			mutate(&r)
			_, err := f.svc.Create(ctx, r)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	r := base
	r.Creator = "guest"
	_, err := f.svc.Create(ctx, r)
	assert.ErrorIs(t, err, ErrNotPermitted)

	r = base
	r.ExpiresInHours, r.MaxUses = 168, 100
	_, err = f.svc.Create(ctx, r)
	assert.NoError(t, err)
}

func TestConsumeRevealsAndLogs(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, 1, 2)
	ctx := context.Background()

	got, err := f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{IP: "203.0.113.7", UserAgent: "curl"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Value)
	assert.Equal(t, 1, got.Link.CurrentUses)
	assert.Equal(t, "203.0.113.7", got.Link.LastAccessIP)
	assert.Equal(t, f.now, got.Link.LastAccessedAt)

	rows, err := f.ledger.List(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.ViaLink, rows[0].Via)
	assert.Equal(t, c.Link.ID, rows[0].LinkID)
	assert.Equal(t, "link:"+c.Link.ID, rows[0].User)
	assert.True(t, rows[0].Success)
}

func TestConsumeErrorOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ValidateAndConsume(ctx, "missing", Access{})
	assert.ErrorIs(t, err, ErrLinkNotFound)

	// Exhausted, expired and revoked at once reports revoked.
	c := f.create(t, 1, 1)
	_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, c.Link.ID, "manager")
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Hour)
	_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	assert.ErrorIs(t, err, ErrLinkRevoked)

	// Exhausted and expired reports expired.
	c = f.create(t, 1, 1)
	_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)
	_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	assert.ErrorIs(t, err, ErrLinkExpired)

	c = f.create(t, 1, 1)
	_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	require.NoError(t, err)
	_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	assert.ErrorIs(t, err, ErrLinkExhausted)

	stored, err := f.svc.store.Get(ctx, c.Link.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active, "exhaustion does not deactivate")
	assert.Equal(t, 1, stored.CurrentUses)

	denied, err := f.ledger.List(ctx, ledger.Filter{User: "link:" + c.Link.ID})
	require.NoError(t, err)
	require.Len(t, denied, 2)
	assert.Equal(t, "link_exhausted", denied[0].Reason)
}

func TestConcurrentConsumeAdmitsExactlyMaxUses(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, 1, 1)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		exhausted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{IP: "198.51.100.2"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrLinkExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 49, exhausted)

	stored, err := f.svc.store.Get(ctx, c.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentUses)
}

func TestRevokeOwnershipAndIdempotence(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, 24, 5)
	ctx := context.Background()

	_, err := f.svc.Revoke(ctx, c.Link.ID, "someone-else")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = f.svc.Revoke(ctx, "nope", "manager")
	assert.ErrorIs(t, err, ErrLinkNotFound)

	l, err := f.svc.Revoke(ctx, c.Link.ID, "manager")
	require.NoError(t, err)
	assert.False(t, l.Active)
	_, err = f.svc.Revoke(ctx, c.Link.ID, "manager")
	assert.NoError(t, err)

	for _, step := range []time.Duration{0, time.Hour, 23 * time.Hour, 48 * time.Hour} {
		f.now = f.now.Add(step)
		_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
		assert.ErrorIs(t, err, ErrLinkRevoked, "at %s", f.now)
		assert.Equal(t, "revoked", l.Status(f.now))
	}
	assert.False(t, f.now.Before(c.Link.ExpiresAt), "loop must pass the expiry")
	_, err = f.svc.Revoke(ctx, c.Link.ID, "manager")
	assert.NoError(t, err, "revoking an expired, revoked link stays idempotent")
}

func TestListByCreatorNewestFirst(t *testing.T) {
	f := newFixture(t)
	var want []string
	for i := 0; i < 3; i++ {
		want = append([]string{f.create(t, 1, 1).Link.ID}, want...)
		f.now = f.now.Add(time.Minute)
	}
	got, err := f.svc.ListByCreator(context.Background(), "manager", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, want[i], got[i].ID)
	}

	got, err = f.svc.ListByCreator(context.Background(), "manager", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestConsumeMissingFieldIsStorageError(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Create(context.Background(), CreateRequest{
		Doctype: "User", Docname: "ghost", Field: "password", ExpiresInHours: 1, MaxUses: 1, Creator: "manager",
	})
	require.NoError(t, err)
	_, err = f.svc.ValidateAndConsume(context.Background(), c.Link.ID, Access{})
	assert.ErrorIs(t, err, vault.ErrNotFound)

	rows, err := f.ledger.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "storage_error", rows[0].Reason)
}

func TestFailedReadDoesNotSpendUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vault.PutDocument("User", "late", nil)
	c, err := f.svc.Create(ctx, CreateRequest{
		Doctype: "User", Docname: "late", Field: "password", ExpiresInHours: 1, MaxUses: 1, Creator: "manager",
	})
	require.NoError(t, err)

	_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	assert.ErrorIs(t, err, vault.ErrNotFound)
	stored, err := f.svc.store.Get(ctx, c.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentUses)

	require.NoError(t, f.vault.SetFieldEncrypted(ctx, "User", "late", "password", "now-set"))
	got, err := f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	require.NoError(t, err)
	assert.Equal(t, "now-set", got.Value)

	_, err = f.svc.ValidateAndConsume(ctx, c.Link.ID, Access{})
	assert.ErrorIs(t, err, ErrLinkExhausted)
}
