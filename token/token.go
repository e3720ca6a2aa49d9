package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrExpired             = errors.New("token expired")
	ErrInvalid             = errors.New("invalid token")
	ErrFingerprintMismatch = errors.New("token not bound to fingerprint")
)

// DefaultTTL is the access token lifetime.
const DefaultTTL = 5 * time.Minute

const claimFingerprint = "fp"

// Issuer mints and validates access tokens. A token is a stateless signed
// claim bound to a fingerprint id; the server stores nothing per token, so
// validation is a pure function of (token, now).
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Issuer)

func WithTTL(d time.Duration) Option {
	return func(i *Issuer) {
		i.ttl = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

func NewIssuer(secret string, opts ...Option) *Issuer {
	i := &Issuer{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Issue mints a token bound to fingerprintID and returns it with its expiry.
func (i *Issuer) Issue(fingerprintID string) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)

	claims := jwt.MapClaims{
		claimFingerprint: fingerprintID,
		"iat":            jwt.NewNumericDate(now),
		"exp":            jwt.NewNumericDate(expiresAt),
		"jti":            uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate checks signature, expiry and fingerprint binding.
func (i *Issuer) Validate(tokenString, fingerprintID string) error {
	claims := jwt.MapClaims{}

	tok, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, jwt.ErrSignatureInvalid
			}
			return i.secret, nil
		},
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return ErrInvalid
	}
	if !tok.Valid {
		return ErrInvalid
	}

	bound, _ := claims[claimFingerprint].(string)
	if bound == "" || bound != fingerprintID {
		return ErrFingerprintMismatch
	}
	return nil
}
