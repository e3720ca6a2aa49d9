// Package fpstore tracks client fingerprint reports server-side: how often
// a fingerprint reports in, and whether the IP or user agent behind it has
// shifted since the last report.
package fpstore

import (
	"sync"
	"time"
)

// Report is one inbound fingerprint report with its server-observed signals.
type Report struct {
	FingerprintID string
	IP            string
	UserAgent     string
}

// Status is what the client polls to decide whether a re-report is due.
type Status struct {
	LastTs    int64 `json:"lastTs"`
	Count     int   `json:"count"`
	IPChanged bool  `json:"ipChanged"`
	UAChanged bool  `json:"uaChanged"`
}

type entry struct {
	firstSeen time.Time
	lastSeen  time.Time
	count     int
	lastIP    string
	lastUA    string
	ips       map[string]bool
}

// Store keeps per-fingerprint report state in memory.
type Store struct {
	mu           sync.RWMutex
	fingerprints map[string]*entry
	now          func() time.Time
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		fingerprints: make(map[string]*entry),
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Record ingests a report and returns the resulting status. The change
// flags compare against the previous report for the same fingerprint.
func (s *Store) Record(rep Report) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.fingerprints[rep.FingerprintID]
	if !ok {
		e = &entry{
			firstSeen: now,
			ips:       make(map[string]bool),
		}
		s.fingerprints[rep.FingerprintID] = e
	}

	status := Status{
		IPChanged: e.count > 0 && e.lastIP != rep.IP,
		UAChanged: e.count > 0 && e.lastUA != rep.UserAgent,
	}

	e.count++
	e.lastSeen = now
	e.lastIP = rep.IP
	e.lastUA = rep.UserAgent
	e.ips[rep.IP] = true

	status.LastTs = now.Unix()
	status.Count = e.count
	return status
}

// Status compares the caller's current signals against the last report.
// Unknown fingerprints yield a zero status.
func (s *Store) Status(fingerprintID, ip, userAgent string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.fingerprints[fingerprintID]
	if !ok {
		return Status{}
	}
	return Status{
		LastTs:    e.lastSeen.Unix(),
		Count:     e.count,
		IPChanged: e.lastIP != ip,
		UAChanged: e.lastUA != userAgent,
	}
}

// IPCount returns how many distinct IPs a fingerprint has reported from.
func (s *Store) IPCount(fingerprintID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.fingerprints[fingerprintID]; ok {
		return len(e.ips)
	}
	return 0
}
