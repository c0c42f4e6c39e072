package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/ledger"
)

var now = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

type fixedMFA int

func (n fixedMFA) CountEnabled(context.Context) (int, error) { return int(n), nil }

func seed(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	l := ledger.NewInMemory()
	add := func(s ledger.RevealSession) {
		_, err := l.Append(ctx, s)
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ {
		add(ledger.RevealSession{User: "u1", Doctype: "User", Docname: "u2", Field: "password",
			Timestamp: now.Add(-time.Duration(i) * time.Hour), IP: "10.0.0.1",
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64)", Success: true, AnomalyScore: 10})
	}
	for i := 0; i < 2; i++ {
		add(ledger.RevealSession{User: "u2", Doctype: "User", Docname: "u1", Field: "password",
			Timestamp: now.Add(-30 * time.Hour), IP: "10.0.0.2",
			UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)", Reason: "field_permission_denied"})
	}
	add(ledger.RevealSession{User: "link:abc", Doctype: "User", Docname: "u2", Field: "password",
		Timestamp: now.Add(-2 * time.Hour), Success: true, Via: ledger.ViaLink, LinkID: "abc"})
	add(ledger.RevealSession{User: "u3", Doctype: "Email Account", Docname: "smtp", Field: "password",
		Timestamp: now.Add(-3 * time.Hour), IP: "10.0.0.3", Reason: "mfa_invalid",
		AnomalyScore: 90, Suspicious: true, AnomalyReasons: []string{"new IP address 10.0.0.3", "unrecognised device"}})
	add(ledger.RevealSession{User: "u1", Doctype: "User", Docname: "u2", Field: "password",
		Timestamp: now.AddDate(0, 0, -40), Success: true})

	dir := auth.NewMemoryStore()
	require.NoError(t, dir.SetTrusted(ctx, auth.TrustedUser{User: "u1", Enabled: true}))
	require.NoError(t, dir.SetTrusted(ctx, auth.TrustedUser{User: "u2", Enabled: true}))
	require.NoError(t, dir.SetTrusted(ctx, auth.TrustedUser{User: "u9", Enabled: false}))

	return NewService(l, dir, fixedMFA(1), WithClock(func() time.Time { return now }))
}

func TestParsePeriod(t *testing.T) {
	for in, want := range map[string]int{"": 30, "day": 1, "Week": 7, "month": 30, "quarter": 90, "year": 365, "14": 14} {
		got, err := ParsePeriod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"fortnight", "0", "-3", "99999"} {
		_, err := ParsePeriod(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestStatistics(t *testing.T) {
	s := seed(t)
	st, err := s.Statistics(context.Background(), "month")
	require.NoError(t, err)
	assert.Equal(t, 10, st.Total)
	assert.Equal(t, 7, st.Successful)
	assert.Equal(t, 3, st.Failed)
	assert.Equal(t, 70.0, st.SuccessRate)
	assert.Equal(t, 3, st.UniqueUsers)
	assert.Equal(t, 2, st.UniqueDoctypes)
	assert.Equal(t, 1, st.ViaLink)
	require.NotEmpty(t, st.TopDoctypes)
	assert.Equal(t, Count{Key: "User", Count: 9}, st.TopDoctypes[0])

	st, err = s.Statistics(context.Background(), "year")
	require.NoError(t, err)
	assert.Equal(t, 11, st.Total)
}

func TestSecurityMetrics(t *testing.T) {
	s := seed(t)
	m, err := s.SecurityMetrics(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 10, m.Total)
	assert.Equal(t, 1, m.Suspicious)
	assert.Equal(t, 10.0, m.SuspiciousRate)
	assert.Equal(t, 3, m.UniqueUsers)
	assert.Equal(t, 21.4, m.AverageScore)
	assert.Len(t, m.Timeline, 8)
	assert.Equal(t, "2026-08-10", m.Timeline[7].Date)
	assert.Equal(t, 7, m.Timeline[7].Normal)
	assert.Equal(t, 1, m.Timeline[7].Suspicious)

	require.NotEmpty(t, m.TopUsers)
	assert.Equal(t, Count{Key: "u1", Count: 6}, m.TopUsers[0])
	require.NotEmpty(t, m.TopIPs)
	assert.Equal(t, IPCount{IP: "10.0.0.1", Count: 6, Users: []string{"u1"}}, m.TopIPs[0])

	devices := map[string]int{}
	for _, d := range m.Devices {
		devices[d.DeviceType] = d.Count
	}
	assert.Equal(t, map[string]int{"Desktop": 6, "Mobile": 2, "Unknown": 2}, devices)

	require.Len(t, m.SuspiciousActivities, 1)
	assert.Equal(t, "u3", m.SuspiciousActivities[0].User)
	require.Len(t, m.Alerts, 1)
	assert.Equal(t, "All Clear", m.Alerts[0].Title)

	_, err = s.SecurityMetrics(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAlerts(t *testing.T) {
	got := Alerts(25, 10, 0, 100)
	require.Len(t, got, 1)
	assert.Equal(t, SeverityCritical, got[0].Severity)

	got = Alerts(15, 45, 11, 100)
	require.Len(t, got, 3)
	for _, a := range got {
		assert.Equal(t, SeverityWarning, a.Severity)
	}

	got = Alerts(0, 61, 0, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "Critical: High Anomaly Score", got[0].Title)

	got = Alerts(0, 0, 0, 0)
	require.Len(t, got, 1)
	assert.Equal(t, SeverityInfo, got[0].Severity)
}

func TestExportCSV(t *testing.T) {
	s := seed(t)
	var buf bytes.Buffer
	require.NoError(t, s.ExportCSV(context.Background(), &buf, 7))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 11)
	assert.Equal(t, "Timestamp,User,DocType,Document,Field,IP Address,Success,Suspicious,Anomaly Score,Reasons",
		joinComma(records[0]))

	var linkRow, suspiciousRow []string
	for _, r := range records[1:] {
		switch r[1] {
		case "link:abc":
			linkRow = r
		case "u3":
			suspiciousRow = r
		}
	}
	require.NotNil(t, linkRow)
	assert.Equal(t, "N/A", linkRow[5])
	assert.Equal(t, "Yes", linkRow[6])
	assert.Equal(t, "N/A", linkRow[9])
	require.NotNil(t, suspiciousRow)
	assert.Equal(t, []string{"No", "Yes", "90", "new IP address 10.0.0.3; unrecognised device"}, suspiciousRow[6:])
}

func joinComma(fields []string) string {
	var b bytes.Buffer
	w := csv.NewWriter(&b)
	_ = w.Write(fields)
	w.Flush()
	return string(bytes.TrimRight(b.Bytes(), "\n"))
}

func TestCompliance(t *testing.T) {
	s := seed(t)
	c, err := s.Compliance(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, "Last 30 days", c.Period)
	assert.Equal(t, 10, c.Total)
	assert.Equal(t, 7, c.Successful)
	assert.Equal(t, 3, c.Failed)
	assert.Equal(t, Count{Key: "u1", Count: 6}, c.ByUser[0])
	assert.Len(t, c.ByUser, 3)
	assert.Equal(t, MFAAdoption{Enabled: 1, Total: 2, Percentage: 50}, c.MFA)
}

func TestSuspiciousSessions(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	rows, err := s.SuspiciousSessions(ctx, 7, 50)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u3", rows[0].User)
	assert.True(t, rows[0].Suspicious)

	_, err = s.SuspiciousSessions(ctx, 0, 50)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.SuspiciousSessions(ctx, 7, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFailedAttempts(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	rows, err := s.FailedAttempts(ctx, 7, 50)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.False(t, r.Success)
	}
	assert.Equal(t, "u3", rows[0].User, "newest first")

	rows, err = s.FailedAttempts(ctx, 1, 50)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the day window excludes the 30h-old denials")

	rows, err = s.FailedAttempts(ctx, 7, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
