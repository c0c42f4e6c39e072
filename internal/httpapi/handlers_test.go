package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/ledger"
	"revealgate.dev/internal/links"
	"revealgate.dev/internal/mfa"
	"revealgate.dev/internal/ratelimit"
	"revealgate.dev/internal/report"
	"revealgate.dev/internal/reveal"
	"revealgate.dev/internal/rotation"
	"revealgate.dev/internal/stream"
	"revealgate.dev/internal/vault"
)

const testSecret = "test-secret-0123456789"

type apiClient struct {
	baseURL string
	client  *http.Client
	tokens  *auth.Tokens
	ledger  *ledger.InMemory
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	ctx := context.Background()

	dir := auth.NewMemoryStore()
	for _, u := range []string{"alice", "bob", "root"} {
		if err := dir.SetTrusted(ctx, auth.TrustedUser{User: u, Enabled: true}); err != nil {
			t.Fatalf("trust %s: %v", u, err)
		}
	}
	if err := dir.AllowDocType(ctx, "Email Account"); err != nil {
		t.Fatalf("allow doctype: %v", err)
	}
	if err := dir.SetUserRoles(ctx, "alice", []string{"Manager"}); err != nil {
		t.Fatalf("roles: %v", err)
	}
	if _, err := dir.UpsertFieldRule(ctx, auth.FieldPermission{
		Doctype: "Email Account", Field: "password", GranteeKind: auth.GranteeRole, Grantee: "manager", CanReveal: true,
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	kr, err := vault.GenerateKeyring()
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	cipher, err := vault.NewCipher(kr, "fields")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	v := vault.NewMemory(cipher)
	v.PutDocument("Email Account", "acc-1", map[string]string{"domain": "example.com"})
	if err := v.SetFieldEncrypted(ctx, "Email Account", "acc-1", "password", "s3cret"); err != nil {
		t.Fatalf("seed secret: %v", err)
	}

	lim, err := ratelimit.New(ratelimit.NewMemory(), ratelimit.DefaultPolicy)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	mfaStore := mfa.NewMemoryStore()
	provider := mfa.NewProvider(mfaStore, mfa.DefaultConfig)
	sessions := ledger.NewInMemory()
	broker := stream.New(16)

	gate, err := reveal.NewGate(reveal.Deps{
		Directory: dir,
		Limiter:   lim,
		MFA:       provider,
		Vault:     v,
		Ledger:    sessions,
		Publisher: broker,
	})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	tokens, err := auth.NewTokens(testSecret)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	svc := Services{
		Gate:     gate,
		Links:    links.NewService(links.NewMemoryStore(), gate, v, sessions, links.Config{BaseURL: "https://erp.example.com", MaxHours: 168, MaxUses: 100}),
		MFA:      provider,
		Rotation: rotation.NewScheduler(rotation.NewMemoryStore(), v),
		Reports:  report.NewService(sessions, dir, mfaStore),
		Ledger:   sessions,
		Alerts:   broker,
		Tokens:   tokens,
	}
	api := New(svc, append([]Option{WithVersion("test"), WithIPRateLimit(1000, 1000)}, opts...)...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, client: srv.Client(), tokens: tokens, ledger: sessions, t: t}
}

func (c *apiClient) token(user string, roles ...string) string {
	c.t.Helper()
	tok, _, err := c.tokens.Generate(user, roles, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "revealgate-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

var revealBody = map[string]string{"doctype": "Email Account", "docname": "acc-1", "field": "password"}

func TestHealthAndRequestID(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected health body %v", body)
	}

	resp = c.do(http.MethodGet, "/readyz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/nope", c.token("alice"), nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestRevealScenario(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/v1/reveal", "", revealBody)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/reveal", "not-a-jwt", revealBody)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/reveal", c.token("alice"), revealBody)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("secret response must not be cached, got %q", resp.Header.Get("Cache-Control"))
	}
	got := decode[revealResponse](t, resp)
	if got.Value != "s3cret" {
		t.Fatalf("unexpected value %q", got.Value)
	}

	resp = c.do(http.MethodPost, "/v1/reveal", c.token("bob"), revealBody)
	expectStatus(t, resp, http.StatusForbidden)
	denied := decode[map[string]any](t, resp)
	if denied["error"] != "not authorized" {
		t.Fatalf("denial must not leak the reason: %v", denied)
	}

	rows, err := c.ledger.List(context.Background(), ledger.Filter{})
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(rows))
	}
	if rows[0].User != "bob" || rows[0].Reason != string(reveal.ReasonFieldPermissionDenied) {
		t.Fatalf("unexpected denial row %+v", rows[0])
	}
	if rows[1].IP != "127.0.0.1" || rows[1].UserAgent != "revealgate-test" {
		t.Fatalf("client metadata not recorded: %+v", rows[1])
	}

	history := decode[map[string][]ledger.RevealSession](t, c.do(http.MethodGet, "/v1/reveal/history", c.token("alice"), nil))
	if len(history["items"]) != 1 || history["items"][0].User != "alice" {
		t.Fatalf("history must only contain the caller's rows: %+v", history)
	}
}

func TestPermissionAndDoctypes(t *testing.T) {
	c := newTestAPI(t)
	q := url.Values{"doctype": {"Email Account"}, "field": {"password"}}

	for user, want := range map[string]bool{"alice": true, "bob": false} {
		resp := c.do(http.MethodGet, "/v1/reveal/permission?"+q.Encode(), c.token(user), nil)
		expectStatus(t, resp, http.StatusOK)
		body := decode[map[string]any](t, resp)
		if body["allowed"] != want {
			t.Fatalf("%s: expected allowed=%v, got %v", user, want, body["allowed"])
		}
	}

	resp := c.do(http.MethodGet, "/v1/reveal/permission?doctype=Email+Account", c.token("alice"), nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	doctypes := decode[map[string][]string](t, c.do(http.MethodGet, "/v1/reveal/doctypes", c.token("alice"), nil))
	if len(doctypes["doctypes"]) != 1 || doctypes["doctypes"][0] != "Email Account" {
		t.Fatalf("unexpected doctypes %v", doctypes)
	}
	if c.ledger.Len() != 0 {
		t.Fatalf("permission checks must not write ledger rows, got %d", c.ledger.Len())
	}
}

func TestLinkLifecycle(t *testing.T) {
	c := newTestAPI(t)
	alice := c.token("alice")

	create := map[string]any{"doctype": "Email Account", "docname": "acc-1", "field": "password", "expires_in_hours": 1, "max_uses": 1}
	resp := c.do(http.MethodPost, "/v1/links", c.token("bob"), create)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/links", alice, create)
	expectStatus(t, resp, http.StatusCreated)
	raw := decode[map[string]any](t, resp)
	for _, key := range []string{"link_id", "url", "qr_code", "expires_at", "max_uses"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("create response lacks top-level %q: %v", key, raw)
		}
	}
	if _, nested := raw["link"]; nested {
		t.Fatalf("create response must be flat, got %v", raw)
	}
	linkID, _ := raw["link_id"].(string)
	linkURL, _ := raw["url"].(string)
	if linkID == "" || linkURL != "https://erp.example.com/reveal-link/"+linkID {
		t.Fatalf("unexpected link %v", raw)
	}
	if qr, _ := raw["qr_code"].(string); !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Fatalf("expected QR data uri")
	}
	if raw["max_uses"] != float64(1) {
		t.Fatalf("unexpected max_uses %v", raw["max_uses"])
	}

	resp = c.do(http.MethodGet, "/reveal-link/"+linkID, "", nil)
	expectStatus(t, resp, http.StatusOK)
	guest := decode[guestLinkResponse](t, resp)
	if guest.Value != "s3cret" || guest.RemainingUses != 0 {
		t.Fatalf("unexpected guest response %+v", guest)
	}

	resp = c.do(http.MethodGet, "/reveal-link/"+linkID, "", nil)
	expectStatus(t, resp, http.StatusGone)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/reveal-link/unknown", "", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/links/"+linkID+"/revoke", c.token("bob"), nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/links/"+linkID+"/revoke", alice, nil)
	expectStatus(t, resp, http.StatusOK)
	revoked := decode[map[string]any](t, resp)
	if revoked["status"] != "revoked" {
		t.Fatalf("expected revoked status, got %v", revoked["status"])
	}

	list := decode[map[string][]map[string]any](t, c.do(http.MethodGet, "/v1/links", alice, nil))
	if len(list["items"]) != 1 {
		t.Fatalf("expected one link, got %d", len(list["items"]))
	}
}

func TestMFAEnrollment(t *testing.T) {
	c := newTestAPI(t)
	bob := c.token("bob")

	resp := c.do(http.MethodPost, "/v1/mfa/setup", bob, nil)
	expectStatus(t, resp, http.StatusOK)
	enrollment := decode[mfa.Enrollment](t, resp)
	if enrollment.Secret == "" || !strings.HasPrefix(enrollment.URI, "otpauth://totp/") {
		t.Fatalf("unexpected enrollment %+v", enrollment)
	}

	status := decode[map[string]bool](t, c.do(http.MethodGet, "/v1/mfa/status", bob, nil))
	if status["enabled"] {
		t.Fatal("mfa must stay disabled until enabled")
	}

	resp = c.do(http.MethodPost, "/v1/mfa/enable", bob, map[string]string{"token": "000000x"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	resp = c.do(http.MethodPost, "/v1/mfa/enable", bob, map[string]string{"token": code})
	expectStatus(t, resp, http.StatusOK)
	enabled := decode[map[string]any](t, resp)
	if codes, _ := enabled["backup_codes"].([]any); len(codes) != mfa.DefaultConfig.BackupCodes {
		t.Fatalf("expected %d backup codes, got %v", mfa.DefaultConfig.BackupCodes, enabled["backup_codes"])
	}

	status = decode[map[string]bool](t, c.do(http.MethodGet, "/v1/mfa/status", bob, nil))
	if !status["enabled"] {
		t.Fatal("expected mfa enabled")
	}

	resp = c.do(http.MethodPost, "/v1/mfa/setup", bob, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestReportsRequireAdmin(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/v1/reveal", c.token("alice"), revealBody)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/reports/statistics", c.token("alice", "Manager"), nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	root := c.token("root", "System Manager")
	resp = c.do(http.MethodGet, "/v1/reports/statistics?period=week", root, nil)
	expectStatus(t, resp, http.StatusOK)
	stats := decode[report.Statistics](t, resp)
	if stats.Total != 1 || stats.Successful != 1 || stats.Days != 7 {
		t.Fatalf("unexpected statistics %+v", stats)
	}

	resp = c.do(http.MethodGet, "/v1/reports/statistics?period=fortnight", root, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/reports/security?days=0", root, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/reports/security.csv?days=7", root, nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if lines := strings.Split(strings.TrimSpace(string(body)), "\n"); len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}

	resp = c.do(http.MethodGet, "/v1/reports/compliance?days=30", root, nil)
	expectStatus(t, resp, http.StatusOK)
	compliance := decode[report.Compliance](t, resp)
	if compliance.MFA.Total != 3 {
		t.Fatalf("expected 3 trusted users in adoption, got %+v", compliance.MFA)
	}
}

func TestSuspiciousAndFailedReports(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/v1/reveal", c.token("alice"), revealBody)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = c.do(http.MethodPost, "/v1/reveal", c.token("bob"), revealBody)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
	if _, err := c.ledger.Append(context.Background(), ledger.RevealSession{
		User: "alice", Doctype: "Email Account", Docname: "acc-1", Field: "password",
		Success: true, AnomalyScore: 75, Suspicious: true,
	}); err != nil {
		t.Fatalf("seed suspicious row: %v", err)
	}

	resp = c.do(http.MethodGet, "/v1/reports/suspicious", c.token("alice"), nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	root := c.token("root", "System Manager")
	suspicious := decode[map[string][]ledger.RevealSession](t, c.do(http.MethodGet, "/v1/reports/suspicious?days=1", root, nil))
	if len(suspicious["items"]) != 1 || !suspicious["items"][0].Suspicious {
		t.Fatalf("expected the flagged session only, got %+v", suspicious)
	}
	failed := decode[map[string][]ledger.RevealSession](t, c.do(http.MethodGet, "/v1/reports/failed?days=1&limit=10", root, nil))
	if len(failed["items"]) != 1 || failed["items"][0].User != "bob" || failed["items"][0].Success {
		t.Fatalf("expected bob's denial only, got %+v", failed)
	}

	resp = c.do(http.MethodGet, "/v1/reports/failed?limit=0", root, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRotationEndpoints(t *testing.T) {
	c := newTestAPI(t)
	root := c.token("root", "System Manager")

	resp := c.do(http.MethodPost, "/v1/rotation/missing/run", root, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	policy := map[string]any{
		"name": "mail", "doctype": "Email Account", "field": "password",
		"frequency": "Weekly", "generator": map[string]any{"length": 16, "use_numbers": true}, "enabled": true,
	}
	resp = c.do(http.MethodPost, "/v1/rotation/policies", root, policy)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/rotation/mail/run", root, nil)
	expectStatus(t, resp, http.StatusOK)
	res := decode[rotation.Result](t, resp)
	if res.Success != 1 || res.Failed != 0 {
		t.Fatalf("unexpected rotation result %+v", res)
	}

	resp = c.do(http.MethodPost, "/v1/rotation/mail/run", root, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/rotation/mail/run?force=true", root, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	history := decode[map[string][]rotation.History](t, c.do(http.MethodGet, "/v1/rotation/history?policy=mail", root, nil))
	if len(history["items"]) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history["items"]))
	}

	resp = c.do(http.MethodPost, "/v1/rotation/mail/run", c.token("alice"), nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestDevTokenEndpoint(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodPost, "/v1/auth/token", "", map[string]any{"user": "alice"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	c = newTestAPI(t, WithDevTokens(time.Minute))
	resp = c.do(http.MethodPost, "/v1/auth/token", "", map[string]any{"user": "alice", "roles": []string{"Manager"}})
	expectStatus(t, resp, http.StatusOK)
	tok := decode[tokenResponse](t, resp)
	claims, err := c.tokens.Parse(tok.Token)
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
}
