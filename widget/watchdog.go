package widget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cause classifies how protected content was tampered with.
type Cause string

const (
	CauseDOMModification  Cause = "dom_modification"
	CauseNetworkTampering Cause = "network_tampering"
	CauseProxyTampering   Cause = "proxy_tampering"
	CauseScriptInjection  Cause = "script_injection"
)

// TamperEvent records one detected, corrected mutation. The watchdog's
// event list is append-only; events are never dropped.
type TamperEvent struct {
	ElementID    string    `json:"elementId"`
	DetectedAt   time.Time `json:"detectedAt"`
	OriginalHash string    `json:"originalHash"`
	ObservedHash string    `json:"observedHash"`
	Cause        Cause     `json:"cause"`
	Action       string    `json:"action"` // "restored" or "escalated"
}

const (
	ActionRestored  = "restored"
	ActionEscalated = "escalated"

	// DefaultPollInterval is the pull-based reconciliation cadence. A
	// missed push notification is caught by the next poll.
	DefaultPollInterval = 2 * time.Second

	// DefaultEscalationThreshold is how many tamper events on one element
	// trigger a server report.
	DefaultEscalationThreshold = 3
)

// Element is a protected region of the host document.
type Element interface {
	ID() string
	Content() (string, error)
	SetContent(content string) error
}

// Document resolves protected elements by id.
type Document interface {
	ElementByID(id string) (Element, bool)
}

// MutationSource pushes change notifications for an element. Hosts
// without one still get detection through the poll loop.
type MutationSource interface {
	Subscribe(elementID string, notify func()) (cancel func(), err error)
}

// Reporter delivers escalated tamper events for offline analysis.
// Reporting is fire-and-forget; failures never block restoration.
type Reporter interface {
	ReportTamper(ctx context.Context, ev TamperEvent) error
}

type snapshot struct {
	elementID  string
	content    string
	hash       string
	signature  string
	capturedAt time.Time
	tampers    int
	cancel     func()
}

// Watchdog snapshots protected content and reverts unauthorized
// mutations. Detection relies on a signing key embedded in client code,
// so it protects UX integrity against casual modification only; it is not
// a barrier to a determined client-side attacker.
type Watchdog struct {
	mu        sync.Mutex
	doc       Document
	source    MutationSource
	reporter  Reporter
	key       []byte
	interval  time.Duration
	threshold int
	snapshots map[string]*snapshot
	events    []TamperEvent
	started   bool
	stop      chan struct{}
	now       func() time.Time
	log       zerolog.Logger
}

type WatchdogOption func(*Watchdog)

func WithMutationSource(src MutationSource) WatchdogOption {
	return func(w *Watchdog) {
		w.source = src
	}
}

func WithReporter(rep Reporter) WatchdogOption {
	return func(w *Watchdog) {
		w.reporter = rep
	}
}

func WithPollInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		w.interval = d
	}
}

func WithEscalationThreshold(n int) WatchdogOption {
	return func(w *Watchdog) {
		w.threshold = n
	}
}

func WithWatchdogClock(now func() time.Time) WatchdogOption {
	return func(w *Watchdog) {
		w.now = now
	}
}

func WithWatchdogLogger(log zerolog.Logger) WatchdogOption {
	return func(w *Watchdog) {
		w.log = log
	}
}

func NewWatchdog(doc Document, signingKey string, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		doc:       doc,
		key:       []byte(signingKey),
		interval:  DefaultPollInterval,
		threshold: DefaultEscalationThreshold,
		snapshots: make(map[string]*snapshot),
		stop:      make(chan struct{}),
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// StartMonitoring snapshots the element and begins dual observation:
// a push subscription (when a MutationSource exists) and the shared poll
// loop.
func (w *Watchdog) StartMonitoring(elementID string) error {
	el, ok := w.doc.ElementByID(elementID)
	if !ok {
		return fmt.Errorf("element %q not found", elementID)
	}
	content, err := el.Content()
	if err != nil {
		return fmt.Errorf("read element %q: %w", elementID, err)
	}

	snap := &snapshot{
		elementID:  elementID,
		content:    content,
		hash:       hashContent(content),
		capturedAt: w.now(),
	}
	snap.signature = w.sign(elementID, snap.hash)

	if w.source != nil {
		cancel, err := w.source.Subscribe(elementID, func() {
			w.Verify(elementID)
		})
		if err != nil {
			// push channel unavailable, the poll loop still covers us
			w.log.Debug().Err(err).Str("element_id", elementID).
				Msg("mutation subscription failed, poll-only")
		} else {
			snap.cancel = cancel
		}
	}

	w.mu.Lock()
	if old, ok := w.snapshots[elementID]; ok && old.cancel != nil {
		old.cancel()
	}
	w.snapshots[elementID] = snap
	if !w.started {
		w.started = true
		go w.pollLoop()
	}
	w.mu.Unlock()
	return nil
}

// Refresh re-snapshots an element after a legitimate content change.
func (w *Watchdog) Refresh(elementID string) error {
	el, ok := w.doc.ElementByID(elementID)
	if !ok {
		return fmt.Errorf("element %q not found", elementID)
	}
	content, err := el.Content()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	snap, ok := w.snapshots[elementID]
	if !ok {
		return fmt.Errorf("element %q not monitored", elementID)
	}
	snap.content = content
	snap.hash = hashContent(content)
	snap.signature = w.sign(elementID, snap.hash)
	snap.capturedAt = w.now()
	return nil
}

// Close stops the poll loop and drops all subscriptions.
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		close(w.stop)
		w.started = false
	}
	for _, snap := range w.snapshots {
		if snap.cancel != nil {
			snap.cancel()
		}
	}
}

// Events returns a copy of the tamper audit trail.
func (w *Watchdog) Events() []TamperEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]TamperEvent, len(w.events))
	copy(out, w.events)
	return out
}

func (w *Watchdog) pollLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Reconcile()
		case <-w.stop:
			return
		}
	}
}

// Reconcile is the pull-based pass: every monitored element is verified
// against its snapshot. The push callback funnels into the same routine.
func (w *Watchdog) Reconcile() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.snapshots))
	for id := range w.snapshots {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Verify(id)
	}
}

// Verify checks one element and restores it on mismatch.
func (w *Watchdog) Verify(elementID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, ok := w.snapshots[elementID]
	if !ok {
		return
	}

	// A snapshot failing its own signature cannot be trusted as a
	// restoration source; drop it and re-baseline from the live DOM.
	if !hmac.Equal([]byte(snap.signature), []byte(w.sign(elementID, snap.hash))) {
		w.log.Error().Str("element_id", elementID).Msg("snapshot signature invalid, re-baselining")
		delete(w.snapshots, elementID)
		go w.rebaseline(elementID)
		return
	}

	el, ok := w.doc.ElementByID(elementID)
	if !ok {
		return
	}
	observed, err := el.Content()
	if err != nil {
		w.log.Debug().Err(err).Str("element_id", elementID).Msg("element unreadable")
		return
	}

	observedHash := hashContent(observed)
	if observedHash == snap.hash {
		return
	}

	if err := el.SetContent(snap.content); err != nil {
		w.log.Warn().Err(err).Str("element_id", elementID).Msg("restore failed")
		return
	}

	// A single altered text span is the benign-defacement case the narrow
	// repair handles; it is corrected without raising an event.
	if isNarrowTextEdit(snap.content, observed) {
		w.log.Debug().Str("element_id", elementID).Msg("narrow text repair applied")
		return
	}

	snap.tampers++
	ev := TamperEvent{
		ElementID:    elementID,
		DetectedAt:   w.now(),
		OriginalHash: snap.hash,
		ObservedHash: observedHash,
		Cause:        classifyTamper(snap.content, observed),
		Action:       ActionRestored,
	}
	if snap.tampers >= w.threshold {
		ev.Action = ActionEscalated
	}
	w.events = append(w.events, ev)

	w.log.Warn().Str("element_id", elementID).Str("cause", string(ev.Cause)).
		Str("action", ev.Action).Msg("tamper detected and reverted")

	if ev.Action == ActionEscalated && w.reporter != nil {
		go func(ev TamperEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.reporter.ReportTamper(ctx, ev); err != nil {
				w.log.Debug().Err(err).Msg("tamper report delivery failed")
			}
		}(ev)
	}
}

func (w *Watchdog) rebaseline(elementID string) {
	if err := w.StartMonitoring(elementID); err != nil {
		w.log.Warn().Err(err).Str("element_id", elementID).Msg("re-baseline failed")
	}
}

func (w *Watchdog) sign(elementID, hash string) string {
	mac := hmac.New(sha256.New, w.key)
	mac.Write([]byte(elementID))
	mac.Write([]byte{0})
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// isNarrowTextEdit reports whether observed differs from original by a
// single contiguous span covering less than half of the original content.
func isNarrowTextEdit(original, observed string) bool {
	if observed == original || len(original) == 0 {
		return false
	}

	p := 0
	for p < len(original) && p < len(observed) && original[p] == observed[p] {
		p++
	}
	s := 0
	for s < len(original)-p && s < len(observed)-p &&
		original[len(original)-1-s] == observed[len(observed)-1-s] {
		s++
	}
	if p+s == 0 {
		return false
	}
	altered := len(original) - p - s
	return altered*2 < len(original)
}

// classifyTamper infers a cause from the injected content.
func classifyTamper(original, observed string) Cause {
	origLow := strings.ToLower(original)
	obsLow := strings.ToLower(observed)
	switch {
	case strings.Contains(obsLow, "<script") && !strings.Contains(origLow, "<script"):
		return CauseScriptInjection
	case strings.Contains(obsLow, "<iframe") && !strings.Contains(origLow, "<iframe"):
		return CauseProxyTampering
	case observed == "":
		return CauseNetworkTampering
	default:
		return CauseDOMModification
	}
}
