// Package store keeps the authoritative record set in memory and stamps
// every mutation with a shared strictly monotonic watermark, so catch-up
// queries ("everything touched after W") are well defined under concurrency.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"syncboard/internal/models"
)

// ErrNotFound is returned when an operation references an unknown record id.
var ErrNotFound = errors.New("record not found")

type entry struct {
	mu      sync.Mutex
	rec     *models.Record
	deleted bool
}

// Store is the authoritative in-memory record set. Mutations on the same id
// serialize; mutations on disjoint ids proceed in parallel. Deletions leave
// tombstones behind so catch-up queries can report them; tombstones expire
// after the retention window.
type Store struct {
	clock     *clock
	retention time.Duration

	mu      sync.RWMutex
	records map[uuid.UUID]*entry
	tombs   map[uuid.UUID]time.Time
	// horizon is the newest pruned tombstone watermark. Catch-up cutoffs
	// older than it cannot be answered incrementally anymore.
	horizon time.Time
}

// New creates an empty store. Tombstones are kept for at least
// tombstoneRetention before PruneTombstones may drop them.
func New(tombstoneRetention time.Duration) *Store {
	return newStore(tombstoneRetention, time.Now)
}

func newStore(retention time.Duration, now func() time.Time) *Store {
	return &Store{
		clock:     newClock(now),
		retention: retention,
		records:   make(map[uuid.UUID]*entry),
		tombs:     make(map[uuid.UUID]time.Time),
	}
}

// Now reports the server clock. The value never runs behind any watermark
// issued so far.
func (s *Store) Now() time.Time {
	return s.clock.Current()
}

// Add stores a new record with the given fields and returns the stored copy.
// CreatedAt and UpdatedAt are set to a fresh watermark.
func (s *Store) Add(fields map[string]any) *models.Record {
	rec := &models.Record{
		ID:     uuid.New(),
		Fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}

	s.mu.Lock()
	// The watermark is drawn while holding the same lock readers contend
	// on, so a reader's ServerTime can never get ahead of an unapplied
	// mutation.
	w := s.clock.Next()
	rec.CreatedAt = w
	rec.UpdatedAt = w
	s.records[rec.ID] = &entry{rec: rec}
	s.mu.Unlock()

	return rec.Clone()
}

// Update applies a partial mutation: every key in the mutation replaces the
// record field of the same name, a nil value clears it. UpdatedAt is bumped
// to a fresh watermark. Returns ErrNotFound for ids that are unknown or were
// deleted concurrently.
func (s *Store) Update(id uuid.UUID, mutation map[string]any) (*models.Record, error) {
	s.mu.RLock()
	e := s.records[id]
	s.mu.RUnlock()
	if e == nil {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	w := s.clock.Next()
	for k, v := range mutation {
		if v == nil {
			delete(e.rec.Fields, k)
		} else {
			e.rec.Fields[k] = v
		}
	}
	e.rec.UpdatedAt = w
	return e.rec.Clone(), nil
}

// Get returns a copy of the record, or ErrNotFound.
func (s *Store) Get(id uuid.UUID) (*models.Record, error) {
	s.mu.RLock()
	e := s.records[id]
	s.mu.RUnlock()
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	return e.rec.Clone(), nil
}

// Delete removes the record and stamps a tombstone for it. Reports whether
// the record existed.
func (s *Store) Delete(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.records[id]
	if e == nil {
		return false
	}
	// Mark under the entry lock so an in-flight Update on the same id
	// observes the deletion instead of resurrecting the record.
	e.mu.Lock()
	w := s.clock.Next()
	e.deleted = true
	e.mu.Unlock()
	delete(s.records, id)
	s.tombs[id] = w
	return true
}

// GetAll returns a snapshot of every record, most recently created first.
func (s *Store) GetAll() []*models.Record {
	s.mu.RLock()
	out := make([]*models.Record, 0, len(s.records))
	for _, e := range s.records {
		e.mu.Lock()
		out = append(out, e.rec.Clone())
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// GetSince answers the catch-up query: every record created or updated after
// the watermark plus the ids deleted after it, ascending by createdAt. The
// page's ServerTime is drawn before the scan, so a consumer that adopts it as
// its next cutoff cannot miss a mutation stamped while the scan ran.
//
// If the watermark predates the tombstone horizon the page is a full
// snapshot instead: Records holds the complete set and the consumer must
// replace its local state rather than merge.
func (s *Store) GetSince(watermark time.Time) *models.SyncPage {
	s.mu.RLock()
	page := &models.SyncPage{
		Records:    []*models.Record{},
		DeletedIDs: []uuid.UUID{},
		ServerTime: s.clock.Current(),
		TotalCount: len(s.records),
		Snapshot:   watermark.Before(s.horizon),
	}
	for _, e := range s.records {
		e.mu.Lock()
		if page.Snapshot || e.rec.CreatedAt.After(watermark) || e.rec.UpdatedAt.After(watermark) {
			page.Records = append(page.Records, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	if !page.Snapshot {
		for id, t := range s.tombs {
			if t.After(watermark) {
				page.DeletedIDs = append(page.DeletedIDs, id)
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(page.Records, func(i, j int) bool {
		return page.Records[i].CreatedAt.Before(page.Records[j].CreatedAt)
	})
	return page
}

// PruneTombstones drops tombstones older than the retention window and
// advances the snapshot horizon past them. Returns the number dropped.
func (s *Store) PruneTombstones() int {
	cutoff := s.clock.Current().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, t := range s.tombs {
		if !t.After(cutoff) {
			delete(s.tombs, id)
			if t.After(s.horizon) {
				s.horizon = t
			}
			pruned++
		}
	}
	return pruned
}

// Len reports the number of records currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
