package rotation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revealgate.dev/internal/vault"
)

func TestGenerateHonoursClasses(t *testing.T) {
	for i := 0; i < 200; i++ {
		pw, err := Generate(GeneratorConfig{Length: 8, UseNumbers: true, UseSpecial: true})
		require.NoError(t, err)
		require.Len(t, pw, 8)
		assert.True(t, strings.ContainsAny(pw, letters), pw)
		assert.True(t, strings.ContainsAny(pw, digits), pw)
		assert.True(t, strings.ContainsAny(pw, special), pw)
	}

	pw, err := Generate(GeneratorConfig{Length: 128})
	require.NoError(t, err)
	assert.Len(t, pw, 128)
	assert.False(t, strings.ContainsAny(pw, digits+special))
}

func TestGenerateRejectsLength(t *testing.T) {
	for _, n := range []int{0, 7, 129} {
		_, err := Generate(GeneratorConfig{Length: n})
		assert.ErrorIs(t, err, ErrInvalidPolicy, "length %d", n)
	}
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestGenerateEntropyFailure(t *testing.T) {
	_, err := generateFrom(emptyReader{}, GeneratorConfig{Length: 12})
	assert.Error(t, err)
}

func TestIntervals(t *testing.T) {
	cases := map[Frequency]int{Daily: 1, Weekly: 7, Monthly: 30}
	for f, days := range cases {
		d, err := Policy{Frequency: f}.Interval()
		require.NoError(t, err)
		assert.Equal(t, time.Duration(days)*24*time.Hour, d)
	}
	d, err := Policy{Frequency: Custom, IntervalDays: 45}.Interval()
	require.NoError(t, err)
	assert.Equal(t, 45*24*time.Hour, d)

	_, err = Policy{Frequency: Custom}.Interval()
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	_, err = Policy{Frequency: "Hourly"}.Interval()
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

// flakyVault fails writes to one document.
type flakyVault struct {
	*vault.Memory
	failOn string
}

func (f flakyVault) SetFieldEncrypted(ctx context.Context, doctype, docname, field, value string) error {
	if docname == f.failOn {
		return errors.New("write conflict")
	}
	return f.Memory.SetFieldEncrypted(ctx, doctype, docname, field, value)
}

type fixture struct {
	sched *Scheduler
	store *MemoryStore
	vault *vault.Memory
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kr, err := vault.GenerateKeyring()
	require.NoError(t, err)
	c, err := vault.NewCipher(kr, "fields")
	require.NoError(t, err)
	v := vault.NewMemory(c)
	for _, name := range []string{"d1", "d2", "d3"} {
		v.PutDocument("Email Account", name, map[string]string{"service": "smtp"})
	}
	v.PutDocument("Email Account", "other", map[string]string{"service": "imap"})

	f := &fixture{store: NewMemoryStore(), vault: v, now: time.Date(2026, 7, 1, 2, 0, 0, 0, time.UTC)}
	f.sched = NewScheduler(f.store, flakyVault{Memory: v, failOn: "d2"}, WithClock(func() time.Time { return f.now }))
	require.NoError(t, f.sched.SavePolicy(context.Background(), Policy{
		Name:      "smtp-weekly",
		Doctype:   "Email Account",
		Field:     "password",
		Filter:    map[string]string{"service": "smtp"},
		Frequency: Weekly,
		Generator: GeneratorConfig{Length: 24, UseNumbers: true, UseSpecial: true},
		Enabled:   true,
	}))
	return f
}

func TestRunIsolatesDocumentFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.sched.Run(ctx, "smtp-weekly")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 1, res.Failed)

	hist, err := f.sched.History(ctx, "smtp-weekly", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	byDoc := map[string]History{}
	for _, h := range hist {
		byDoc[h.Docname] = h
	}
	assert.Equal(t, StatusSuccess, byDoc["d1"].Status)
	assert.Equal(t, StatusFailed, byDoc["d2"].Status)
	assert.Contains(t, byDoc["d2"].Error, "write conflict")
	assert.Equal(t, StatusSuccess, byDoc["d3"].Status)

	pw, err := f.vault.GetField(ctx, "Email Account", "d1", "password")
	require.NoError(t, err)
	assert.Len(t, pw, 24)
	_, err = f.vault.GetField(ctx, "Email Account", "other", "password")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	p, err := f.store.Get(ctx, "smtp-weekly")
	require.NoError(t, err)
	assert.Equal(t, f.now, p.LastRotation)
	assert.Equal(t, f.now.Add(7*24*time.Hour), p.NextRotation)
}

func TestRunRespectsSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.Run(ctx, "smtp-weekly")
	require.NoError(t, err)

	f.now = f.now.Add(24 * time.Hour)
	_, err = f.sched.Run(ctx, "smtp-weekly")
	assert.ErrorIs(t, err, ErrNotDue)

	res, err := f.sched.Run(ctx, "smtp-weekly", Force())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)

	_, err = f.sched.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	p, err := f.store.Get(ctx, "smtp-weekly")
	require.NoError(t, err)
	p.Enabled = false
	require.NoError(t, f.sched.SavePolicy(ctx, p))
	_, err = f.sched.Run(ctx, "smtp-weekly", Force())
	assert.ErrorIs(t, err, ErrPolicyDisabled)
}

func TestAdvanceIsCompareAndSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.store.Get(ctx, "smtp-weekly")
	require.NoError(t, err)

	ok, err := f.store.Advance(ctx, p.Name, p.NextRotation, f.now, f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.store.Advance(ctx, p.Name, p.NextRotation, f.now, f.now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "stale previous next_rotation must not apply")
}

// scheduleWatchVault records the stored schedule each time a document is written.
type scheduleWatchVault struct {
	*vault.Memory
	store  *MemoryStore
	seen   []time.Time
	cancel context.CancelFunc
}

func (v *scheduleWatchVault) SetFieldEncrypted(ctx context.Context, doctype, docname, field, value string) error {
	p, err := v.store.Get(ctx, "smtp-weekly")
	if err != nil {
		return err
	}
	v.seen = append(v.seen, p.NextRotation)
	if v.cancel != nil {
		v.cancel()
	}
	return v.Memory.SetFieldEncrypted(ctx, doctype, docname, field, value)
}

func TestScheduleAdvancesAfterAllDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pv := &scheduleWatchVault{Memory: f.vault, store: f.store}
	sched := NewScheduler(f.store, pv, WithClock(func() time.Time { return f.now }))

	res, err := sched.Run(ctx, "smtp-weekly")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Success)
	require.Len(t, pv.seen, 3)
	for _, next := range pv.seen {
		assert.True(t, next.IsZero(), "schedule moved before the run finished: %s", next)
	}

	p, err := f.store.Get(ctx, "smtp-weekly")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(7*24*time.Hour), p.NextRotation)
	assert.Equal(t, p.NextRotation, res.NextRotation)
}

func TestInterruptedRunKeepsSchedule(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pv := &scheduleWatchVault{Memory: f.vault, store: f.store, cancel: cancel}
	sched := NewScheduler(f.store, pv, WithClock(func() time.Time { return f.now }))

	res, err := sched.Run(ctx, "smtp-weekly")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Success)

	p, err := f.store.Get(context.Background(), "smtp-weekly")
	require.NoError(t, err)
	assert.True(t, p.NextRotation.IsZero())
	assert.True(t, p.LastRotation.IsZero())

	// the lease was released, so the policy is still due
	res, err = sched.Run(context.Background(), "smtp-weekly")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Success)
}

func TestClaimedPolicyIsNotRunTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.store.Claim(ctx, "smtp-weekly", f.now, f.now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.sched.Run(ctx, "smtp-weekly")
	assert.ErrorIs(t, err, ErrNotDue)
	assert.ErrorContains(t, err, "concurrent run")

	f.now = f.now.Add(2 * time.Hour)
	res, err := f.sched.Run(ctx, "smtp-weekly")
	require.NoError(t, err, "an expired lease can be taken over")
	assert.Equal(t, 2, res.Success)

	_, err = f.store.Claim(ctx, "missing", f.now, f.now)
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestRunDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sched.SavePolicy(ctx, Policy{
		Name: "imap-daily", Doctype: "Email Account", Field: "password",
		Filter: map[string]string{"service": "imap"}, Frequency: Daily,
		Generator: GeneratorConfig{Length: 16}, Enabled: true,
	}))
	require.NoError(t, f.sched.SavePolicy(ctx, Policy{
		Name: "off", Doctype: "Email Account", Field: "password",
		Frequency: Daily, Generator: GeneratorConfig{Length: 16},
	}))

	results, err := f.sched.RunDue(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	results, err = f.sched.RunDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	f.now = f.now.Add(25 * time.Hour)
	results, err = f.sched.RunDue(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "imap-daily", results[0].Policy)
}

func TestSavePolicyValidates(t *testing.T) {
	f := newFixture(t)
	err := f.sched.SavePolicy(context.Background(), Policy{Name: "x", Doctype: "User", Field: "password", Frequency: Daily, Generator: GeneratorConfig{Length: 4}})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestStartStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		hist, _ := f.sched.History(context.Background(), "smtp-weekly", 0)
		return len(hist) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
