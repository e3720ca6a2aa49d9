package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the challenge state machine position.
type State string

const (
	StateUnverified         State = "unverified"
	StateChallengeIssued    State = "challenge_issued"
	StateChallengeVerifying State = "challenge_verifying"
	StateVerified           State = "verified"
	StateFailed             State = "failed"
	StateBanned             State = "banned"
	StateExpired            State = "expired"
)

// MaxChallengeAttempts bounds retries before a full reload is required.
const MaxChallengeAttempts = 3

const tokenKeyPrefix = "botgate.token."

var (
	ErrChallengeFailed    = errors.New("challenge failed")
	ErrRetriesExhausted   = errors.New("challenge retries exhausted, reload required")
	ErrNetworkUnavailable = errors.New("verification server unreachable")
)

// BannedError is terminal and non-retryable; it carries the server-side
// ban details for the UI.
type BannedError struct {
	Reason    string
	ExpiresAt time.Time
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("ip banned: %s (until %s)", e.Reason, e.ExpiresAt.Format(time.RFC3339))
}

// ChallengeWidget is the third-party human-verification widget. Each
// Execute renders a fresh widget instance and yields a single-use proof;
// a failed instance is discarded, never re-run.
type ChallengeWidget interface {
	Execute(ctx context.Context) (proofToken string, err error)
}

// VerifyResult is the server's answer to a proof submission.
type VerifyResult struct {
	Success     bool
	AccessToken string
	ExpiresAt   time.Time
	Banned      bool
	BanReason   string
	BanExpires  time.Time
}

// VerifyClient submits (fingerprintId, proofToken) to the server.
type VerifyClient interface {
	Verify(ctx context.Context, fingerprintID, proofToken string) (VerifyResult, error)
}

type storedToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Session drives the challenge flow for one fingerprint and caches the
// resulting access token. Exactly one live token exists per fingerprint;
// the cache is keyed by fingerprint id.
type Session struct {
	mu            sync.Mutex
	state         State
	fingerprintID string
	widget        ChallengeWidget
	client        VerifyClient
	cache         *Cache
	maxAttempts   int
	ban           *BannedError
	now           func() time.Time
	log           zerolog.Logger
}

type SessionOption func(*Session)

func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

func WithSessionLogger(log zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.log = log
	}
}

func NewSession(fingerprintID string, w ChallengeWidget, client VerifyClient, cache *Cache, opts ...SessionOption) *Session {
	s := &Session{
		state:         StateUnverified,
		fingerprintID: fingerprintID,
		widget:        w,
		client:        client,
		cache:         cache,
		maxAttempts:   MaxChallengeAttempts,
		now:           time.Now,
		log:           zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) tokenKey() string {
	return tokenKeyPrefix + s.fingerprintID
}

// State reports the current machine position, accounting for token
// expiry: a Verified session whose token lapsed reads as Expired, and the
// stale token is purged so the next Token call restarts at Unverified.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateVerified {
		var tok storedToken
		if !s.cache.Get(s.tokenKey(), &tok) || s.now().Unix() >= tok.ExpiresAt {
			s.cache.Invalidate(s.tokenKey())
			s.state = StateExpired
		}
	}
	return s.state
}

// BanInfo returns the terminal ban details, if any.
func (s *Session) BanInfo() *BannedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ban
}

// Token returns a live access token, driving the challenge flow when no
// cached token is usable. Abandoning a call mid-flow is safe; every
// non-banned state is resumable from Unverified.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateBanned {
		return "", s.ban
	}

	var tok storedToken
	if s.cache.Get(s.tokenKey(), &tok) && s.now().Unix() < tok.ExpiresAt {
		s.state = StateVerified
		return tok.Token, nil
	}

	// expired or absent: purge and restart the machine
	s.cache.Invalidate(s.tokenKey())
	s.state = StateUnverified

	return s.challenge(ctx)
}

// challenge runs up to maxAttempts widget rounds. Proof tokens are single
// use, so every round executes a fresh widget instance.
func (s *Session) challenge(ctx context.Context) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.state = StateChallengeIssued
		proof, err := s.widget.Execute(ctx)
		if err != nil {
			s.state = StateFailed
			lastErr = fmt.Errorf("%w: %v", ErrChallengeFailed, err)
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("challenge widget failed")
			continue
		}

		s.state = StateChallengeVerifying
		res, err := s.client.Verify(ctx, s.fingerprintID, proof)
		if err != nil {
			s.state = StateFailed
			lastErr = fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("proof submission failed")
			continue
		}

		if res.Banned {
			s.state = StateBanned
			s.ban = &BannedError{Reason: res.BanReason, ExpiresAt: res.BanExpires}
			return "", s.ban
		}
		if !res.Success {
			s.state = StateFailed
			lastErr = ErrChallengeFailed
			continue
		}

		s.state = StateVerified
		ttl := res.ExpiresAt.Sub(s.now())
		s.cache.Set(s.tokenKey(), storedToken{
			Token:     res.AccessToken,
			ExpiresAt: res.ExpiresAt.Unix(),
		}, ttl)
		return res.AccessToken, nil
	}

	s.state = StateFailed
	if lastErr == nil {
		lastErr = ErrChallengeFailed
	}
	return "", fmt.Errorf("%w (last error: %v)", ErrRetriesExhausted, lastErr)
}
