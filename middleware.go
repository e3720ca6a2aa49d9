package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/botgate/server/token"
)

type contextKey string

const fingerprintContextKey contextKey = "fingerprint_id"

func fingerprintFromContext(ctx context.Context) string {
	fp, _ := ctx.Value(fingerprintContextKey).(string)
	return fp
}

// clientIP returns the request address. middleware.RealIP has already
// folded X-Real-IP / X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// banGate rejects requests from banned addresses before any handler
// runs. A store error fails open: reputation must never take the whole
// service down.
func (s *server) banGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		banned, rec, err := s.engine.IsBanned(r.Context(), ip)
		if err != nil {
			s.log.Error().Err(err).Str("ip", ip).Msg("ban lookup failed, allowing request")
		}
		if banned {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "ip_banned",
				"banInfo": map[string]any{
					"reason":    rec.Reason,
					"expiresAt": rec.ExpiresAt,
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin guards the ban management endpoints with a shared key.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			writeError(w, http.StatusForbidden, "admin_disabled")
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAccessToken validates the bearer access token against the
// fingerprint the caller claims, and stashes the fingerprint for the
// handler.
func (s *server) requireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp := r.Header.Get("X-Fingerprint-ID")
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if fp == "" || bearer == "" {
			writeError(w, http.StatusUnauthorized, "missing_credentials")
			return
		}

		if err := s.issuer.Validate(bearer, fp); err != nil {
			if errors.Is(err, token.ErrExpired) {
				writeError(w, http.StatusUnauthorized, "token_expired")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), fingerprintContextKey, fp)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit throttles the challenge endpoint per source address.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiter keeps one token bucket per address, evicting idle entries.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	lastScan time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     r,
		burst:    burst,
		ttl:      10 * time.Minute,
		lastScan: time.Now(),
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastScan) > l.ttl {
		for key, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > l.ttl {
				delete(l.limiters, key)
			}
		}
		l.lastScan = now
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}
