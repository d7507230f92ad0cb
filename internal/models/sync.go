package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncPage is the catch-up query result: every record created or updated
// after the requested watermark (ascending by createdAt), the ids deleted
// after it, and the server clock at the moment the page was assembled.
//
// Snapshot is set when the cutoff predates the tombstone retention horizon;
// the page then carries the full record set and the consumer must replace
// its local state instead of merging.
type SyncPage struct {
	Records    []*Record   `json:"records"`
	DeletedIDs []uuid.UUID `json:"deletedIds"`
	ServerTime time.Time   `json:"serverTime"`
	TotalCount int         `json:"totalCount"`
	Snapshot   bool        `json:"snapshot,omitempty"`
}
