package models

import (
	"time"

	"github.com/google/uuid"
)

// Record is a mutable entity tracked by the store. CreatedAt is assigned once
// at insertion, UpdatedAt on every mutation; both come from the store's shared
// watermark clock, so "everything touched after watermark W" is well defined.
type Record struct {
	ID        uuid.UUID      `json:"id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a copy whose Fields map is independent of the original.
// Nested values are shared; mutations always replace top-level keys.
func (r *Record) Clone() *Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return &Record{
		ID:        r.ID,
		Fields:    fields,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
