package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	issuer := NewIssuer("test-secret")

	tok, expiresAt, err := issuer.Issue("abc123")
	require.NoError(t, err)
	require.NotEmpty(t, tok)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), expiresAt, 2*time.Second)

	assert.NoError(t, issuer.Validate(tok, "abc123"))
}

func TestValidateFingerprintMismatch(t *testing.T) {
	issuer := NewIssuer("test-secret")

	tok, _, err := issuer.Issue("abc123")
	require.NoError(t, err)

	assert.ErrorIs(t, issuer.Validate(tok, "other-device"), ErrFingerprintMismatch)
	assert.ErrorIs(t, issuer.Validate(tok, ""), ErrFingerprintMismatch)
}

func TestValidateExpired(t *testing.T) {
	current := time.Now()
	issuer := NewIssuer("test-secret", WithClock(func() time.Time { return current }))

	tok, expiresAt, err := issuer.Issue("abc123")
	require.NoError(t, err)
	assert.Equal(t, current.Add(5*time.Minute).Unix(), expiresAt.Unix())

	// still valid just before expiry
	current = current.Add(5*time.Minute - time.Second)
	assert.NoError(t, issuer.Validate(tok, "abc123"))

	// expired after TTL elapses
	current = current.Add(2 * time.Minute)
	assert.ErrorIs(t, issuer.Validate(tok, "abc123"), ErrExpired)
}

func TestValidateGarbage(t *testing.T) {
	issuer := NewIssuer("test-secret")

	assert.ErrorIs(t, issuer.Validate("not-a-token", "abc123"), ErrInvalid)
	assert.ErrorIs(t, issuer.Validate("", "abc123"), ErrInvalid)
}

func TestValidateWrongSecret(t *testing.T) {
	issuer := NewIssuer("test-secret")
	other := NewIssuer("other-secret")

	tok, _, err := issuer.Issue("abc123")
	require.NoError(t, err)

	assert.ErrorIs(t, other.Validate(tok, "abc123"), ErrInvalid)
}

func TestCustomTTL(t *testing.T) {
	current := time.Now()
	issuer := NewIssuer("test-secret", WithTTL(time.Minute), WithClock(func() time.Time { return current }))

	tok, expiresAt, err := issuer.Issue("abc123")
	require.NoError(t, err)
	assert.Equal(t, current.Add(time.Minute).Unix(), expiresAt.Unix())

	current = current.Add(61 * time.Second)
	assert.ErrorIs(t, issuer.Validate(tok, "abc123"), ErrExpired)
}
