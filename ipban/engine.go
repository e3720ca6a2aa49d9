package ipban

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidDuration = errors.New("durationMinutes must be between 1 and 1440")
	ErrInvalidIP       = errors.New("invalid ip address")
)

const (
	MinBanMinutes = 1
	MaxBanMinutes = 1440

	// RecentWindow bounds the recentBans stat.
	RecentWindow = 24 * time.Hour
)

// Stats is a point-in-time view of the ban table. Expiry is evaluated at
// read time; nothing is swept to produce it.
type Stats struct {
	TotalBanned int `json:"totalBanned"`
	ActiveBans  int `json:"activeBans"`
	ExpiredBans int `json:"expiredBans"`
	RecentBans  int `json:"recentBans"`
}

// Engine maintains IP reputation: ban records with expiry, dual-written to
// a durable store and a best-effort cache. The store is the source of
// truth; the cache only shortens the hot path.
type Engine struct {
	store Store
	cache Cache
	now   func() time.Time
	log   zerolog.Logger
}

type EngineOption func(*Engine)

func WithCache(cache Cache) EngineOption {
	return func(e *Engine) {
		e.cache = cache
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = log
	}
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store: store,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func normalizeIP(ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return ip, nil
}

// BanSingle upserts a ban for one IP. Banning an already-banned IP
// refreshes reason and expiry rather than duplicating.
func (e *Engine) BanSingle(ctx context.Context, ip, reason string, durationMinutes int) error {
	if durationMinutes < MinBanMinutes || durationMinutes > MaxBanMinutes {
		return ErrInvalidDuration
	}
	ip, err := normalizeIP(ip)
	if err != nil {
		return err
	}

	now := e.now()
	rec := Record{
		IPAddress: ip,
		Reason:    reason,
		BannedAt:  now,
		ExpiresAt: now.Add(time.Duration(durationMinutes) * time.Minute),
	}

	if err := e.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("ban %s: %w", ip, err)
	}
	e.cacheSet(ctx, rec)

	e.log.Info().Str("ip", ip).Str("reason", reason).
		Time("expires_at", rec.ExpiresAt).Msg("ip banned")
	return nil
}

// BanBatch bans each address and returns how many were banned. The
// duration is validated before any record is touched.
func (e *Engine) BanBatch(ctx context.Context, ips []string, reason string, durationMinutes int) (int, error) {
	if durationMinutes < MinBanMinutes || durationMinutes > MaxBanMinutes {
		return 0, ErrInvalidDuration
	}
	banned := 0
	for _, ip := range ips {
		if err := e.BanSingle(ctx, ip, reason, durationMinutes); err != nil {
			return banned, err
		}
		banned++
	}
	return banned, nil
}

// UnbanSingle removes a ban. Unbanning an IP that is not banned is a
// no-op success.
func (e *Engine) UnbanSingle(ctx context.Context, ip string) error {
	ip, err := normalizeIP(ip)
	if err != nil {
		return err
	}
	if err := e.store.Delete(ctx, ip); err != nil {
		return fmt.Errorf("unban %s: %w", ip, err)
	}
	if e.cache != nil {
		if err := e.cache.Delete(ctx, ip); err != nil {
			e.log.Warn().Err(err).Str("ip", ip).Msg("ban cache delete failed")
		}
	}
	e.log.Info().Str("ip", ip).Msg("ip unbanned")
	return nil
}

func (e *Engine) UnbanBatch(ctx context.Context, ips []string) (int, error) {
	unbanned := 0
	for _, ip := range ips {
		if err := e.UnbanSingle(ctx, ip); err != nil {
			return unbanned, err
		}
		unbanned++
	}
	return unbanned, nil
}

// IsBanned is the hot path, called per inbound request. The cache is
// consulted first; any cache miss or cache error falls through to the
// durable store, so correctness never depends on the cache.
func (e *Engine) IsBanned(ctx context.Context, ip string) (bool, *Record, error) {
	ip = strings.TrimSpace(ip)
	now := e.now()

	if e.cache != nil {
		rec, ok, err := e.cache.Get(ctx, ip)
		if err != nil {
			e.log.Warn().Err(err).Str("ip", ip).Msg("ban cache read failed")
		} else if ok && rec.ActiveAt(now) {
			return true, rec, nil
		}
	}

	rec, err := e.store.Get(ctx, ip)
	if err != nil {
		return false, nil, fmt.Errorf("lookup ban %s: %w", ip, err)
	}
	if rec == nil || !rec.ActiveAt(now) {
		return false, nil, nil
	}
	e.cacheSet(ctx, *rec)
	return true, rec, nil
}

// GetStats scans the durable store and classifies records against the
// current time.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	records, err := e.store.All(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("scan bans: %w", err)
	}

	now := e.now()
	stats := Stats{TotalBanned: len(records)}
	for _, rec := range records {
		if rec.ActiveAt(now) {
			stats.ActiveBans++
		} else {
			stats.ExpiredBans++
		}
		if now.Sub(rec.BannedAt) <= RecentWindow {
			stats.RecentBans++
		}
	}
	return stats, nil
}

// ClearExpired compacts the store. The cutoff is fixed before the delete
// runs, so bans created after the scan began are never touched; concurrent
// calls are safe because each delete is bounded by its own cutoff.
func (e *Engine) ClearExpired(ctx context.Context) (int, error) {
	cutoff := e.now()
	removed, err := e.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear expired bans: %w", err)
	}
	if removed > 0 {
		e.log.Info().Int("removed", removed).Msg("expired bans compacted")
	}
	return removed, nil
}

func (e *Engine) cacheSet(ctx context.Context, rec Record) {
	if e.cache == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(e.now())
	if err := e.cache.Set(ctx, rec, ttl); err != nil {
		e.log.Warn().Err(err).Str("ip", rec.IPAddress).Msg("ban cache write failed")
	}
}
