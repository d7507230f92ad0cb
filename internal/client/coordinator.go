package client

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncboard/internal/models"
	"syncboard/internal/protocol"
)

// MergeResult reports what a merge changed.
type MergeResult struct {
	// New holds records whose ids were not known locally before the
	// merge, in the order they were first seen.
	New []*models.Record
	// Changed reports whether the replica was modified at all.
	Changed bool
	// Diverged reports that after an incremental merge the replica size
	// disagrees with the server's authoritative count. The consumer
	// should force a full resync.
	Diverged bool
}

// Coordinator holds the local replica and folds live events and catch-up
// pages into it. Merges are last-write-wins by UpdatedAt, which makes
// them idempotent and order-insensitive: replaying a batch, or
// interleaving it with the live events it overlaps, converges to the
// same state. Writes must come from a single goroutine; reads are safe
// from any.
type Coordinator struct {
	mu        sync.RWMutex
	records   map[uuid.UUID]*models.Record
	watermark time.Time
}

// NewCoordinator returns an empty replica.
func NewCoordinator() *Coordinator {
	return &Coordinator{records: make(map[uuid.UUID]*models.Record)}
}

// upsert applies the last-write-wins rule: insert unknown ids, replace
// known ones unless the held copy is newer. An incoming copy with the
// held copy's exact watermark is the same mutation and is skipped.
func (c *Coordinator) upsert(rec *models.Record) (isNew, changed bool) {
	held, ok := c.records[rec.ID]
	if ok && !rec.UpdatedAt.After(held.UpdatedAt) {
		return false, false
	}
	c.records[rec.ID] = rec.Clone()
	if rec.UpdatedAt.After(c.watermark) {
		c.watermark = rec.UpdatedAt
	}
	return !ok, true
}

// ApplyLiveEvent folds one broadcast event into the replica. Created and
// Updated share the upsert rule, so duplicated or reordered delivery is
// harmless; Deleted removes the id unconditionally.
func (c *Coordinator) ApplyLiveEvent(ev protocol.Event) MergeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res MergeResult
	switch ev.Kind {
	case protocol.EventCreated, protocol.EventUpdated:
		if ev.Record == nil {
			return res
		}
		isNew, changed := c.upsert(ev.Record)
		if isNew {
			res.New = append(res.New, ev.Record.Clone())
		}
		res.Changed = changed
	case protocol.EventDeleted:
		if _, ok := c.records[ev.ID]; ok {
			delete(c.records, ev.ID)
			res.Changed = true
		}
	}
	return res
}

// ApplyCatchup folds a catch-up page into the replica in one atomic
// step. Snapshot pages, and pages answering a zero cutoff (the client
// knew nothing), replace the replica wholesale; incremental pages upsert
// records and drop the deleted ids.
func (c *Coordinator) ApplyCatchup(page *models.SyncPage, cutoff time.Time) MergeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if page.Snapshot || cutoff.IsZero() {
		return c.replace(page)
	}

	var res MergeResult
	for _, rec := range page.Records {
		isNew, changed := c.upsert(rec)
		if isNew {
			res.New = append(res.New, rec.Clone())
		}
		if changed {
			res.Changed = true
		}
	}
	for _, id := range page.DeletedIDs {
		if _, ok := c.records[id]; ok {
			delete(c.records, id)
			res.Changed = true
		}
	}
	res.Diverged = len(c.records) != page.TotalCount
	return res
}

// replace swaps the replica for the page's complete record set. Newly
// seen ids are still reported exactly once.
func (c *Coordinator) replace(page *models.SyncPage) MergeResult {
	var res MergeResult
	next := make(map[uuid.UUID]*models.Record, len(page.Records))
	for _, rec := range page.Records {
		held, ok := c.records[rec.ID]
		if !ok {
			res.New = append(res.New, rec.Clone())
			res.Changed = true
		} else if !held.UpdatedAt.Equal(rec.UpdatedAt) {
			res.Changed = true
		}
		next[rec.ID] = rec.Clone()
		if rec.UpdatedAt.After(c.watermark) {
			c.watermark = rec.UpdatedAt
		}
	}
	if len(next) != len(c.records) {
		res.Changed = true
	}
	c.records = next
	return res
}

// Snapshot returns every record in the replica, most recently created
// first, matching the ordering of the server's record listing.
func (c *Coordinator) Snapshot() []*models.Record {
	c.mu.RLock()
	out := make([]*models.Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Get returns a copy of one record by id.
func (c *Coordinator) Get(id uuid.UUID) (*models.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Len reports the replica size.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Watermark reports the newest UpdatedAt merged into the replica so far.
func (c *Coordinator) Watermark() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watermark
}
