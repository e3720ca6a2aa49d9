package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botgate/server/fpstore"
	"github.com/botgate/server/ipban"
	"github.com/botgate/server/token"
	"github.com/botgate/server/verify"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const testAdminKey = "test-admin-key"

func newTestServer(t *testing.T) (http.Handler, *fakeClock) {
	t.Helper()
	clk := newFakeClock()

	cfg := config{AdminKey: testAdminKey, TokenSecret: "test-secret"}
	engine := ipban.NewEngine(ipban.NewMemoryStore(), ipban.WithClock(clk.Now))
	issuer := token.NewIssuer(cfg.TokenSecret, token.WithClock(clk.Now))

	srv := newServer(cfg, engine, issuer, verify.NewStaticVerifier(),
		fpstore.NewStore(),
		fpstore.NewTamperLog(zerolog.Nop()),
		zerolog.Nop(),
	)
	return srv.routes(), clk
}

func doJSON(h http.Handler, method, path string, body any, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.7:52000"
	for _, mod := range mods {
		mod(req)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func fromIP(ip string) func(*http.Request) {
	return func(r *http.Request) {
		r.RemoteAddr = ip + ":52000"
	}
}

func asAdmin(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+testAdminKey)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifyIssuesToken(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/verify", map[string]string{
		"fingerprintId": "abc123",
		"proofToken":    "proof-xyz",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp verifyResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.AccessToken)

	// backend-side check of the minted token
	rec = doJSON(h, http.MethodPost, "/token/verify", map[string]string{
		"token":         resp.AccessToken,
		"fingerprintId": "abc123",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var check map[string]any
	decodeBody(t, rec, &check)
	assert.Equal(t, true, check["valid"])

	// bound to the wrong fingerprint
	rec = doJSON(h, http.MethodPost, "/token/verify", map[string]string{
		"token":         resp.AccessToken,
		"fingerprintId": "other",
	})
	decodeBody(t, rec, &check)
	assert.Equal(t, false, check["valid"])
	assert.Equal(t, "fingerprint_mismatch", check["reason"])
}

func TestVerifyProofSingleUse(t *testing.T) {
	h, _ := newTestServer(t)

	body := map[string]string{"fingerprintId": "abc123", "proofToken": "proof-once"}
	rec := doJSON(h, http.MethodPost, "/verify", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(h, http.MethodPost, "/verify", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "invalid_proof", resp["error"])
}

func TestVerifyRejectsMissingFields(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/verify", map[string]string{"fingerprintId": "abc123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenExpiryEndToEnd(t *testing.T) {
	h, clk := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/verify", map[string]string{
		"fingerprintId": "abc123",
		"proofToken":    "proof-xyz",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp verifyResponse
	decodeBody(t, rec, &resp)

	withToken := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+resp.AccessToken)
		r.Header.Set("X-Fingerprint-ID", "abc123")
	}

	rec = doJSON(h, http.MethodPost, "/fingerprint/report", map[string]string{"id": "abc123"}, withToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	// past the 5 minute lifetime the same token is refused
	clk.Advance(6 * time.Minute)
	rec = doJSON(h, http.MethodPost, "/fingerprint/report", map[string]string{"id": "abc123"}, withToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var errResp map[string]string
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "token_expired", errResp["error"])
}

func TestBanGateBlocksAndLapses(t *testing.T) {
	h, clk := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/ip-ban", map[string]any{
		"ipAddress":       "203.0.113.5",
		"reason":          "scraping",
		"durationMinutes": 60,
	}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	// the banned address is rejected with the ban details
	rec = doJSON(h, http.MethodPost, "/verify", map[string]string{
		"fingerprintId": "abc123",
		"proofToken":    "proof-xyz",
	}, fromIP("203.0.113.5"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var banned struct {
		Error   string `json:"error"`
		BanInfo struct {
			Reason    string    `json:"reason"`
			ExpiresAt time.Time `json:"expiresAt"`
		} `json:"banInfo"`
	}
	decodeBody(t, rec, &banned)
	assert.Equal(t, "ip_banned", banned.Error)
	assert.Equal(t, "scraping", banned.BanInfo.Reason)
	assert.Equal(t, clk.Now().Add(60*time.Minute), banned.BanInfo.ExpiresAt.UTC())

	// other addresses are unaffected
	rec = doJSON(h, http.MethodPost, "/verify", map[string]string{
		"fingerprintId": "abc123",
		"proofToken":    "proof-other",
	}, fromIP("198.51.100.9"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// the ban lapses on its own
	clk.Advance(61 * time.Minute)
	rec = doJSON(h, http.MethodPost, "/verify", map[string]string{
		"fingerprintId": "abc123",
		"proofToken":    "proof-later",
	}, fromIP("203.0.113.5"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBanEndpointsRequireAdminKey(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/ip-ban", map[string]any{
		"ipAddress": "203.0.113.5", "durationMinutes": 60,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(h, http.MethodGet, "/ip-ban/stats", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong-key")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBanBatchAndStats(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/ip-ban", map[string]any{
		"ipAddresses":     []string{"203.0.113.1", "203.0.113.2"},
		"reason":          "botnet",
		"durationMinutes": 120,
	}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var banResp map[string]int
	decodeBody(t, rec, &banResp)
	assert.Equal(t, 2, banResp["bannedCount"])

	rec = doJSON(h, http.MethodGet, "/ip-ban/stats", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats ipban.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 2, stats.TotalBanned)
	assert.Equal(t, 2, stats.ActiveBans)
	assert.Equal(t, 2, stats.RecentBans)

	rec = doJSON(h, http.MethodDelete, "/ip-ban", map[string]any{
		"ipAddresses": []string{"203.0.113.1", "203.0.113.2"},
	}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var unbanResp map[string]int
	decodeBody(t, rec, &unbanResp)
	assert.Equal(t, 2, unbanResp["unbannedCount"])
}

func TestClearExpiredCompactsLapsedBans(t *testing.T) {
	h, clk := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/ip-ban", map[string]any{
		"ipAddress":       "203.0.113.5",
		"durationMinutes": 30,
	}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(h, http.MethodPost, "/ip-ban", map[string]any{
		"ipAddress":       "203.0.113.6",
		"durationMinutes": 120,
	}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	clk.Advance(31 * time.Minute)

	rec = doJSON(h, http.MethodPost, "/ip-ban/clear-expired", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp["removedCount"])

	rec = doJSON(h, http.MethodGet, "/ip-ban/stats", nil, asAdmin)
	var stats ipban.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.TotalBanned)
	assert.Equal(t, 1, stats.ActiveBans)
}

func TestBanRejectsOutOfRangeDuration(t *testing.T) {
	h, _ := newTestServer(t)

	for _, minutes := range []int{0, -1, 1500} {
		rec := doJSON(h, http.MethodPost, "/ip-ban", map[string]any{
			"ipAddress":       "203.0.113.5",
			"durationMinutes": minutes,
		}, asAdmin)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "duration %d", minutes)
	}
}

func TestFingerprintEndpointsRequireToken(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/fingerprint/report", map[string]string{"id": "abc123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(h, http.MethodGet, "/fingerprint/status", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer garbage")
		r.Header.Set("X-Fingerprint-ID", "abc123")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFingerprintReportAndStatus(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/verify", map[string]string{
		"fingerprintId": "abc123",
		"proofToken":    "proof-xyz",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp verifyResponse
	decodeBody(t, rec, &resp)

	withToken := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+resp.AccessToken)
		r.Header.Set("X-Fingerprint-ID", "abc123")
	}

	// a report for a different fingerprint than the token's is refused
	rec = doJSON(h, http.MethodPost, "/fingerprint/report", map[string]string{"id": "other"}, withToken)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(h, http.MethodPost, "/fingerprint/report", map[string]string{"id": "abc123"}, withToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(h, http.MethodGet, "/fingerprint/status", nil, withToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var status fpstore.Status
	decodeBody(t, rec, &status)
	assert.Equal(t, 1, status.Count)
	assert.False(t, status.IPChanged)
}

func TestTamperReportAccepted(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(h, http.MethodPost, "/tamper/report", map[string]string{
		"elementId":    "footer-credit",
		"cause":        "script_injection",
		"originalHash": "aaaa",
		"observedHash": "bbbb",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(h, http.MethodPost, "/tamper/report", map[string]string{"cause": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyRateLimited(t *testing.T) {
	h, _ := newTestServer(t)

	// burst of 10 per address, then 429
	var last int
	for i := 0; i < 11; i++ {
		rec := doJSON(h, http.MethodPost, "/verify", map[string]string{
			"fingerprintId": "abc123",
			"proofToken":    "p",
		}, fromIP("192.0.2.200"))
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// a different address is unaffected
	rec := doJSON(h, http.MethodPost, "/verify", map[string]string{
		"fingerprintId": "abc123",
		"proofToken":    "q",
	}, fromIP("192.0.2.201"))
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}
