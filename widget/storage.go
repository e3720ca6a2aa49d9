// Package widget is the client-side half of the verification layer: device
// fingerprinting with tiered fallback, the challenge/token session machine,
// the content integrity watchdog, and the fingerprint reporting gate. It is
// written against small interfaces (KV storage, widget, DOM) so the host
// environment supplies the platform specifics.
package widget

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// KV is minimal persistent client storage, localStorage-like. A failing KV
// degrades stability (ids stop surviving restarts) but never breaks a flow.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string)
}

// SchemaVersion is bumped when the shape of any cached record changes;
// a mismatch invalidates the record on next read.
const SchemaVersion = 2

type cacheRecord struct {
	Version  int             `json:"version"`
	StoredAt int64           `json:"storedAt"`
	TTLSec   int64           `json:"ttlSec"`
	Value    json.RawMessage `json:"value"`
}

// Cache is the one typed TTL cache shared by the fingerprint cache, the
// token cache, the dismissal flag and the last-report timestamp. All
// storage failures are swallowed and logged.
type Cache struct {
	kv      KV
	version int
	now     func() time.Time
	log     zerolog.Logger
}

type CacheOption func(*Cache)

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

func WithCacheLogger(log zerolog.Logger) CacheOption {
	return func(c *Cache) {
		c.log = log
	}
}

func NewCache(kv KV, opts ...CacheOption) *Cache {
	c := &Cache{
		kv:      kv,
		version: SchemaVersion,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get loads a record into out. Expired or version-mismatched records are
// dropped and reported as absent.
func (c *Cache) Get(key string, out any) bool {
	raw, ok := c.kv.Get(key)
	if !ok {
		return false
	}

	var rec cacheRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("cache record unreadable, dropping")
		c.kv.Delete(key)
		return false
	}
	if rec.Version != c.version {
		c.kv.Delete(key)
		return false
	}
	if rec.TTLSec > 0 {
		age := c.now().Unix() - rec.StoredAt
		if age >= rec.TTLSec {
			c.kv.Delete(key)
			return false
		}
	}
	if err := json.Unmarshal(rec.Value, out); err != nil {
		c.kv.Delete(key)
		return false
	}
	return true
}

// Set stores a value with a TTL; ttl <= 0 means no expiry. Write failures
// are logged and swallowed.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache value not serializable")
		return
	}
	rec := cacheRecord{
		Version:  c.version,
		StoredAt: c.now().Unix(),
		TTLSec:   int64(ttl / time.Second),
		Value:    data,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.kv.Set(key, string(raw)); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("storage unavailable, cache write dropped")
	}
}

func (c *Cache) Invalidate(key string) {
	c.kv.Delete(key)
}

// MemoryKV is an in-memory KV for tests and non-browser hosts.
type MemoryKV struct {
	data map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool) {
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryKV) Set(key, value string) error {
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Delete(key string) {
	delete(m.data, key)
}
