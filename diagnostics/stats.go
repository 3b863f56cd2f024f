// Package diagnostics holds lightweight per-client counters: no JSON
// persistence and no regex text analysis, just incrementing integers
// behind a mutex.
package diagnostics

import "sync"

// Stats counts the handful of events worth exposing off a running
// Client: idle-line streaks, reassembly failures, resend/busy retries
// and reconnects.
type Stats struct {
	mu sync.Mutex

	IdleCount          int
	CRCErrorCount      int
	ResendCount        int
	PimBusyRetransmits int
	ReconnectCount     int
}

func (s *Stats) SetIdleCount(n int) {
	s.mu.Lock()
	s.IdleCount = n
	s.mu.Unlock()
}

func (s *Stats) IncCRCError() {
	s.mu.Lock()
	s.CRCErrorCount++
	s.mu.Unlock()
}

func (s *Stats) IncResend() {
	s.mu.Lock()
	s.ResendCount++
	s.mu.Unlock()
}

func (s *Stats) IncPimBusyRetransmit() {
	s.mu.Lock()
	s.PimBusyRetransmits++
	s.mu.Unlock()
}

func (s *Stats) IncReconnect() {
	s.mu.Lock()
	s.ReconnectCount++
	s.mu.Unlock()
}

// Snapshot returns a copy safe to read without racing further updates.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		IdleCount:          s.IdleCount,
		CRCErrorCount:      s.CRCErrorCount,
		ResendCount:        s.ResendCount,
		PimBusyRetransmits: s.PimBusyRetransmits,
		ReconnectCount:     s.ReconnectCount,
	}
}
