package widget

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedWidget yields proofs in sequence; an empty entry means the
// widget instance failed.
type scriptedWidget struct {
	proofs []string
	next   int
}

func (w *scriptedWidget) Execute(_ context.Context) (string, error) {
	if w.next >= len(w.proofs) {
		return "", errors.New("widget exhausted")
	}
	proof := w.proofs[w.next]
	w.next++
	if proof == "" {
		return "", errors.New("widget render failed")
	}
	return proof, nil
}

// fakeServer mimics the verify endpoint: valid single-use proofs mint a
// token with a 5 minute TTL.
type fakeServer struct {
	now      func() time.Time
	used     map[string]bool
	banned   bool
	downErr  error
	minted   int
}

func newFakeServer(now func() time.Time) *fakeServer {
	return &fakeServer{now: now, used: make(map[string]bool)}
}

func (s *fakeServer) Verify(_ context.Context, fingerprintID, proof string) (VerifyResult, error) {
	if s.downErr != nil {
		return VerifyResult{}, s.downErr
	}
	if s.banned {
		return VerifyResult{
			Banned:     true,
			BanReason:  "abuse",
			BanExpires: s.now().Add(time.Hour),
		}, nil
	}
	if s.used[proof] || proof == "bad-proof" {
		return VerifyResult{Success: false}, nil
	}
	s.used[proof] = true
	s.minted++
	return VerifyResult{
		Success:     true,
		AccessToken: fmt.Sprintf("tok-%d", s.minted),
		ExpiresAt:   s.now().Add(5 * time.Minute),
	}, nil
}

func newTestSession(w ChallengeWidget, srv VerifyClient, clk *tickingClock) *Session {
	cache := NewCache(NewMemoryKV(), WithCacheClock(clk.Now))
	return NewSession("abc123", w, srv, cache, WithSessionClock(clk.Now))
}

func TestTokenHappyPath(t *testing.T) {
	clk := newTickingClock()
	srv := newFakeServer(clk.Now)
	sess := newTestSession(&scriptedWidget{proofs: []string{"proof-xyz"}}, srv, clk)

	assert.Equal(t, StateUnverified, sess.State())

	tok, err := sess.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, StateVerified, sess.State())

	// still cached before expiry; no second challenge round
	clk.Advance(4 * time.Minute)
	tok, err = sess.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, srv.minted)
}

func TestTokenExpiryTriggersRechallenge(t *testing.T) {
	clk := newTickingClock()
	srv := newFakeServer(clk.Now)
	sess := newTestSession(&scriptedWidget{proofs: []string{"proof-1", "proof-2"}}, srv, clk)

	tok, err := sess.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	clk.Advance(5*time.Minute + time.Second)
	assert.Equal(t, StateExpired, sess.State())

	tok, err = sess.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, srv.minted)
}

func TestProofIsSingleUse(t *testing.T) {
	clk := newTickingClock()
	srv := newFakeServer(clk.Now)

	// two sessions presenting the same proof: only the first mints
	sessA := newTestSession(&scriptedWidget{proofs: []string{"proof-dup"}}, srv, clk)
	sessB := newTestSession(&scriptedWidget{proofs: []string{"proof-dup", "proof-dup", "proof-dup"}}, srv, clk)

	_, err := sessA.Token(context.Background())
	require.NoError(t, err)

	_, err = sessB.Token(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, srv.minted)
}

func TestRetryCapThenReloadRequired(t *testing.T) {
	clk := newTickingClock()
	srv := newFakeServer(clk.Now)
	// every widget instance yields an invalid proof
	w := &scriptedWidget{proofs: []string{"bad-proof", "bad-proof", "bad-proof", "bad-proof"}}
	sess := newTestSession(w, srv, clk)

	_, err := sess.Token(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, 3, w.next) // exactly MaxChallengeAttempts widget rounds
}

func TestBannedIsTerminal(t *testing.T) {
	clk := newTickingClock()
	srv := newFakeServer(clk.Now)
	srv.banned = true
	sess := newTestSession(&scriptedWidget{proofs: []string{"proof-1", "proof-2"}}, srv, clk)

	_, err := sess.Token(context.Background())
	var banErr *BannedError
	require.ErrorAs(t, err, &banErr)
	assert.Equal(t, "abuse", banErr.Reason)
	assert.Equal(t, StateBanned, sess.State())

	// non-retryable even after the server recovers
	srv.banned = false
	_, err = sess.Token(context.Background())
	require.ErrorAs(t, err, &banErr)
	assert.Equal(t, 0, srv.minted)
}

func TestTransportErrorsAreRetriedThenSurfaced(t *testing.T) {
	clk := newTickingClock()
	srv := newFakeServer(clk.Now)
	srv.downErr = errors.New("connection refused")
	sess := newTestSession(&scriptedWidget{proofs: []string{"p1", "p2", "p3"}}, srv, clk)

	_, err := sess.Token(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorContains(t, err, "unreachable")
}
