package widget

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Tier identifies which fallback produced a fingerprint.
type Tier string

const (
	TierLibrary   Tier = "library"
	TierComposite Tier = "composite"
	TierRandom    Tier = "random"
)

const (
	fingerprintKey = "botgate.fingerprint"
	saltKey        = "botgate.device_salt"
	randomIDKey    = "botgate.random_id"

	fingerprintTTL = 30 * 24 * time.Hour

	// LibraryTimeout bounds the third-party fingerprinting library tier.
	LibraryTimeout = 1500 * time.Millisecond
)

// Fingerprint is the stable per-device identifier.
type Fingerprint struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`
}

// Strategy is one fingerprint acquisition tier. Strategies are tried in
// order with no retries within a tier.
type Strategy interface {
	Tier() Tier
	Attempt(ctx context.Context) (string, error)
}

// Generator produces a device fingerprint via an ordered fallback chain.
// Produce never fails: the final tier manufactures a random id.
type Generator struct {
	cache      *Cache
	strategies []Strategy
	log        zerolog.Logger
}

func NewGenerator(cache *Cache, log zerolog.Logger, strategies ...Strategy) *Generator {
	return &Generator{
		cache:      cache,
		strategies: strategies,
		log:        log,
	}
}

// Produce returns the cached fingerprint when the cache is fresh, else
// walks the strategy chain and caches the first non-empty id.
func (g *Generator) Produce(ctx context.Context) Fingerprint {
	var cached Fingerprint
	if g.cache.Get(fingerprintKey, &cached) && cached.ID != "" {
		return cached
	}

	for _, s := range g.strategies {
		id, err := s.Attempt(ctx)
		if err != nil || id == "" {
			g.log.Debug().Err(err).Str("tier", string(s.Tier())).
				Msg("fingerprint tier failed, falling back")
			continue
		}
		fp := Fingerprint{ID: id, Tier: s.Tier()}
		g.cache.Set(fingerprintKey, fp, fingerprintTTL)
		return fp
	}

	// Every tier failed, including persistence. Hand out a throwaway id;
	// it will not survive the session but the caller still gets one.
	return Fingerprint{ID: randomHex(16), Tier: TierRandom}
}

// Invalidate drops the cached fingerprint so the next Produce rebuilds it.
func (g *Generator) Invalidate() {
	g.cache.Invalidate(fingerprintKey)
}

// ------------------------------------------------------------------
// Library tier
// ------------------------------------------------------------------

// LibraryClient is the third-party device-fingerprinting library,
// consumed as a black box. It may hang; the strategy bounds it.
type LibraryClient interface {
	VisitorID(ctx context.Context) (string, error)
}

type LibraryStrategy struct {
	client  LibraryClient
	timeout time.Duration
}

func NewLibraryStrategy(client LibraryClient) *LibraryStrategy {
	return &LibraryStrategy{
		client:  client,
		timeout: LibraryTimeout,
	}
}

func (s *LibraryStrategy) Tier() Tier { return TierLibrary }

func (s *LibraryStrategy) Attempt(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := s.client.VisitorID(ctx)
		ch <- result{id, err}
	}()

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ------------------------------------------------------------------
// Composite tier
// ------------------------------------------------------------------

// SignalSource exposes the environment signals hashed by the composite
// tier. Canvas and WebGL may fail; failures degrade to empty values.
type SignalSource interface {
	Navigator() map[string]string
	Screen() map[string]string
	TimezoneOffset() int
	CanvasHash() (string, error)
	WebGLInfo() (map[string]string, error)
}

type CompositeStrategy struct {
	signals SignalSource
	kv      KV
	log     zerolog.Logger
}

func NewCompositeStrategy(signals SignalSource, kv KV, log zerolog.Logger) *CompositeStrategy {
	return &CompositeStrategy{
		signals: signals,
		kv:      kv,
		log:     log,
	}
}

func (s *CompositeStrategy) Tier() Tier { return TierComposite }

// compositeSignals fixes the field order so the digest input is canonical.
type compositeSignals struct {
	Navigator      map[string]string `json:"navigator"`
	Screen         map[string]string `json:"screen"`
	TimezoneOffset int               `json:"timezoneOffset"`
	CanvasHash     string            `json:"canvasHash"`
	WebGL          map[string]string `json:"webgl"`
	Salt           string            `json:"salt"`
}

func (s *CompositeStrategy) Attempt(_ context.Context) (string, error) {
	if s.signals == nil {
		return "", errors.New("no signal source")
	}

	canvasHash, err := s.signals.CanvasHash()
	if err != nil {
		s.log.Debug().Err(err).Msg("canvas unavailable for composite fingerprint")
		canvasHash = ""
	}
	webgl, err := s.signals.WebGLInfo()
	if err != nil {
		s.log.Debug().Err(err).Msg("webgl unavailable for composite fingerprint")
		webgl = nil
	}

	payload := compositeSignals{
		Navigator:      s.signals.Navigator(),
		Screen:         s.signals.Screen(),
		TimezoneOffset: s.signals.TimezoneOffset(),
		CanvasHash:     canvasHash,
		WebGL:          webgl,
		Salt:           s.salt(),
	}

	// map keys marshal in sorted order, so the JSON is canonical
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:]), nil
}

// salt returns the persisted per-device salt, creating it on first use.
// Persistence failure is tolerated; the salt just won't survive restarts.
func (s *CompositeStrategy) salt() string {
	if v, ok := s.kv.Get(saltKey); ok && v != "" {
		return v
	}
	salt := randomHex(16)
	if err := s.kv.Set(saltKey, salt); err != nil {
		s.log.Debug().Err(err).Msg("device salt not persisted")
	}
	return salt
}

// ------------------------------------------------------------------
// Random tier
// ------------------------------------------------------------------

// RandomStrategy reuses or creates a persisted random id. It always
// yields an id even when persistence is unavailable, at the documented
// cost of cross-session stability.
type RandomStrategy struct {
	kv  KV
	log zerolog.Logger
}

func NewRandomStrategy(kv KV, log zerolog.Logger) *RandomStrategy {
	return &RandomStrategy{kv: kv, log: log}
}

func (s *RandomStrategy) Tier() Tier { return TierRandom }

func (s *RandomStrategy) Attempt(_ context.Context) (string, error) {
	if v, ok := s.kv.Get(randomIDKey); ok && v != "" {
		return v, nil
	}
	id := randomHex(16)
	if err := s.kv.Set(randomIDKey, id); err != nil {
		s.log.Debug().Err(err).Msg("random fingerprint not persisted")
	}
	return id, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
