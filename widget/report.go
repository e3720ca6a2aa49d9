package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DismissState is the one-time-dismissal machine. It only moves forward;
// Mandatory never regresses to Dismissed.
type DismissState string

const (
	DismissNeverPrompted DismissState = "never_prompted"
	DismissDismissed     DismissState = "dismissed"
	DismissMandatory     DismissState = "mandatory"
	DismissReported      DismissState = "reported"
)

// ReportWindow is the rate window for non-forced reports.
const ReportWindow = 5 * time.Minute

const (
	lastReportKey = "botgate.last_report"
	dismissKey    = "botgate.report_dismissed"
)

var (
	// ErrReportMandatory rejects a decline once the single allowed
	// dismissal has been spent.
	ErrReportMandatory = errors.New("report dismissal no longer available")
)

// FingerprintStatus mirrors the server's view of the last report.
type FingerprintStatus struct {
	LastTs    int64 `json:"lastTs"`
	Count     int   `json:"count"`
	IPChanged bool  `json:"ipChanged"`
	UAChanged bool  `json:"uaChanged"`
}

// ReportClient talks to the fingerprint endpoints.
type ReportClient interface {
	ReportFingerprint(ctx context.Context, fingerprintID string) error
	FingerprintStatus(ctx context.Context, fingerprintID string) (FingerprintStatus, error)
}

// ReportingGate rate-limits fingerprint reporting and carries the
// one-time-dismissal policy.
type ReportingGate struct {
	mu            sync.Mutex
	fingerprintID string
	client        ReportClient
	cache         *Cache
	window        time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

type GateOption func(*ReportingGate)

func WithGateClock(now func() time.Time) GateOption {
	return func(g *ReportingGate) {
		g.now = now
	}
}

func WithGateLogger(log zerolog.Logger) GateOption {
	return func(g *ReportingGate) {
		g.log = log
	}
}

func NewReportingGate(fingerprintID string, client ReportClient, cache *Cache, opts ...GateOption) *ReportingGate {
	g := &ReportingGate{
		fingerprintID: fingerprintID,
		client:        client,
		cache:         cache,
		window:        ReportWindow,
		now:           time.Now,
		log:           zerolog.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ReportOnce reports the fingerprint. Without force, the report is
// skipped when a prior one happened inside the rate window and the
// server-observed IP/user-agent signals are unchanged; force bypasses all
// throttling. Failures are meant to be fire-and-forget at call sites.
func (g *ReportingGate) ReportOnce(ctx context.Context, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !force && g.withinWindow() {
		status, err := g.client.FingerprintStatus(ctx, g.fingerprintID)
		if err == nil && !status.IPChanged && !status.UAChanged {
			g.log.Debug().Str("fingerprint_id", g.fingerprintID).Msg("report skipped, signals unchanged")
			return nil
		}
		// unknown or shifted signals: report anyway
	}

	if err := g.client.ReportFingerprint(ctx, g.fingerprintID); err != nil {
		g.log.Debug().Err(err).Msg("fingerprint report failed")
		return fmt.Errorf("report fingerprint: %w", err)
	}

	g.cache.Set(lastReportKey, g.now().Unix(), 0)
	g.setDismissState(DismissReported)
	return nil
}

func (g *ReportingGate) withinWindow() bool {
	var last int64
	if !g.cache.Get(lastReportKey, &last) {
		return false
	}
	return g.now().Unix()-last < int64(g.window/time.Second)
}

// DismissState reads the persisted policy position.
func (g *ReportingGate) DismissState() DismissState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dismissState()
}

func (g *ReportingGate) dismissState() DismissState {
	var state DismissState
	if !g.cache.Get(dismissKey, &state) || state == "" {
		return DismissNeverPrompted
	}
	return state
}

// CanDismiss reports whether the prompt should still offer a decline.
func (g *ReportingGate) CanDismiss() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dismissState() == DismissNeverPrompted
}

// Dismiss records a decline. The first decline is durably stored; a
// second attempt is rejected and the policy hardens to Mandatory for
// good.
func (g *ReportingGate) Dismiss() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.dismissState() {
	case DismissNeverPrompted:
		g.setDismissState(DismissDismissed)
		return nil
	case DismissDismissed:
		g.setDismissState(DismissMandatory)
		return ErrReportMandatory
	default:
		return ErrReportMandatory
	}
}

// setDismissState persists a forward-only transition. Mandatory and
// Reported are sticky against Dismissed.
func (g *ReportingGate) setDismissState(next DismissState) {
	current := g.dismissState()
	if current == DismissMandatory && next == DismissDismissed {
		return
	}
	if current == DismissReported && next != DismissReported {
		return
	}
	g.cache.Set(dismissKey, next, 0)
}
