// Package ban provides IP-keyed ban management held in process memory.
// Ban records expire lazily: a record is treated as absent once
// now >= ExpiresAt, checked on every lookup. Sweep may be used to reclaim
// memory held by expired records but is never required for correctness.
//
// Report counters are kept alongside bans and are never reset.
package ban

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDuration is the ban length applied by the report flow when none is
// configured.
const DefaultDuration = 24 * time.Hour

// Record is an active or expired ban on one IP.
type Record struct {
	IP         string
	Reason     string
	ReporterIP string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Active reports whether the ban is still in force at now.
func (r Record) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Remaining returns how long the ban has left at now, never negative.
func (r Record) Remaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Store manages ban records and report counters.
type Store struct {
	mu      sync.Mutex
	bans    map[string]Record
	reports map[string]int
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty ban store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		bans:    make(map[string]Record),
		reports: make(map[string]int),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsBanned returns the active ban for ip, if any. Expired records are
// reported as absent.
func (s *Store) IsBanned(ip string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bans[ip]
	if !ok || !rec.Active(s.now()) {
		return Record{}, false
	}
	return rec, true
}

// Ban inserts or overwrites the ban on ip with an expiry of now+duration.
// Last write wins; reasons are not merged.
func (s *Store) Ban(ip, reason string, duration time.Duration, reporterIP string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := Record{
		IP:         ip,
		Reason:     reason,
		ReporterIP: reporterIP,
		CreatedAt:  now,
		ExpiresAt:  now.Add(duration),
	}
	s.bans[ip] = rec
	return rec
}

// Unban removes any ban on ip immediately.
func (s *Store) Unban(ip string) {
	s.mu.Lock()
	delete(s.bans, ip)
	s.mu.Unlock()
}

// RecordReport increments the report counter for ip and returns the new value.
func (s *Store) RecordReport(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports[ip]++
	return s.reports[ip]
}

// ReportCount returns the number of reports recorded against ip.
func (s *Store) ReportCount(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[ip]
}

// ActiveCount returns the number of bans currently in force.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, rec := range s.bans {
		if rec.Active(now) {
			n++
		}
	}
	return n
}

// Sweep deletes expired ban records and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for ip, rec := range s.bans {
		if !rec.Active(now) {
			delete(s.bans, ip)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug("swept expired bans", zap.Int("removed", n))
			}
		}
	}
}
