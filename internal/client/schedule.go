// Package client maintains a live local replica of the server's record set:
// a connection manager drives the persistent channel through disconnects, a
// sync coordinator merges live events and catch-up pages idempotently, and a
// facade ties them to the catch-up query.
package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetrySchedule is the reconnect and catch-up retry policy: a fixed sequence
// of delays indexed by attempt, then the Final interval indefinitely. A zero
// Final means the schedule is exhausted once Delays runs out.
//
// It satisfies backoff.BackOff, so one policy drives both the reconnect
// timer and the retry loop around catch-up queries.
type RetrySchedule struct {
	Delays []time.Duration
	Final  time.Duration

	attempt int
}

var _ backoff.BackOff = (*RetrySchedule)(nil)

// DefaultRetrySchedule retries immediately, then quickly, then settles on
// every 30 seconds until stopped.
func DefaultRetrySchedule() *RetrySchedule {
	return &RetrySchedule{
		Delays: []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second},
		Final:  30 * time.Second,
	}
}

// NextBackOff returns the next delay, or backoff.Stop when Delays is
// exhausted and no Final interval is configured.
func (s *RetrySchedule) NextBackOff() time.Duration {
	if s.attempt < len(s.Delays) {
		d := s.Delays[s.attempt]
		s.attempt++
		return d
	}
	if s.Final > 0 {
		return s.Final
	}
	return backoff.Stop
}

// Reset rewinds the schedule to the first delay.
func (s *RetrySchedule) Reset() {
	s.attempt = 0
}

// Clone returns an independent, rewound copy of the policy.
func (s *RetrySchedule) Clone() *RetrySchedule {
	return &RetrySchedule{
		Delays: append([]time.Duration(nil), s.Delays...),
		Final:  s.Final,
	}
}
