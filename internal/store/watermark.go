package store

import (
	"sync"
	"time"
)

// clock issues the watermarks that stamp every mutation. One instance is
// shared by all records in a store.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newClock(now func() time.Time) *clock {
	if now == nil {
		now = time.Now
	}
	return &clock{now: now}
}

// Next issues a mutation watermark: strictly greater than every value Next or
// Current returned before, even if the wall clock stalls or steps backwards.
func (c *clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Current reports the server clock without consuming a watermark. The value
// never runs behind an issued watermark, and every watermark issued after a
// Current call is strictly greater than the value it returned.
func (c *clock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
