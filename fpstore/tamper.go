package fpstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TamperReport is an escalated client-side tamper event sent in for
// offline analysis.
type TamperReport struct {
	ID           string    `json:"id"`
	ElementID    string    `json:"elementId"`
	Cause        string    `json:"cause"`
	OriginalHash string    `json:"originalHash"`
	ObservedHash string    `json:"observedHash"`
	RemoteIP     string    `json:"remoteIp"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// TamperLog is an append-only audit record of tamper reports. Entries are
// never removed or rewritten.
type TamperLog struct {
	mu     sync.RWMutex
	events []TamperReport
	log    zerolog.Logger
}

func NewTamperLog(log zerolog.Logger) *TamperLog {
	return &TamperLog{
		log: log,
	}
}

// Append records a report, assigning id and timestamp, and returns the
// stored entry.
func (l *TamperLog) Append(rep TamperReport) TamperReport {
	rep.ID = uuid.NewString()
	rep.ReceivedAt = time.Now()

	l.mu.Lock()
	l.events = append(l.events, rep)
	l.mu.Unlock()

	l.log.Warn().
		Str("element_id", rep.ElementID).
		Str("cause", rep.Cause).
		Str("remote_ip", rep.RemoteIP).
		Msg("tamper report received")
	return rep
}

// Events returns a copy of the audit trail.
func (l *TamperLog) Events() []TamperReport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TamperReport, len(l.events))
	copy(out, l.events)
	return out
}
