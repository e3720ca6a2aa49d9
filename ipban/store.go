package ipban

import (
	"context"
	"time"
)

// Record is one ban entry. At most one record exists per IP; re-banning
// replaces reason and expiry.
type Record struct {
	IPAddress string    `db:"ip_address" json:"ipAddress"`
	Reason    string    `db:"reason" json:"reason"`
	BannedAt  time.Time `db:"banned_at" json:"bannedAt"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
}

// ActiveAt reports whether the ban is in force at the given instant.
// Expiry is lazy; records are not removed when they lapse.
func (r Record) ActiveAt(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// Store is the durable source of truth for ban records. A failed store
// write fails the whole operation.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, ip string) (*Record, error)
	Delete(ctx context.Context, ip string) error
	All(ctx context.Context) ([]Record, error)
	// DeleteExpired removes records whose expiry precedes the cutoff and
	// returns how many were removed. Bounding by the cutoff keeps bans
	// created after the scan began out of reach.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Cache is the best-effort fast lookup layer in front of the Store.
// Failures here never fail an operation; reads fall through to the Store.
type Cache interface {
	Set(ctx context.Context, rec Record, ttl time.Duration) error
	// Get returns the cached record and whether the key was present.
	Get(ctx context.Context, ip string) (*Record, bool, error)
	Delete(ctx context.Context, ip string) error
}
