package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"syncboard/internal/hub"
	"syncboard/internal/protocol"
	"syncboard/internal/store"
)

type Handler struct {
	store *store.Store
	hub   *hub.Hub
	opts  Options
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.store.GetAll())
}

func (h *Handler) RecordsSince(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "missing since parameter")
		return
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}
	respondJSON(w, http.StatusOK, h.store.GetSince(since))
}

func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeFields(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(fields) == 0 {
		respondError(w, http.StatusBadRequest, "record fields must not be empty")
		return
	}

	rec := h.store.Add(fields)
	h.hub.Broadcast(protocol.Event{Kind: protocol.EventCreated, ID: rec.ID, Record: rec})
	respondJSON(w, http.StatusCreated, rec)
}

func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	mutation, err := decodeFields(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(mutation) == 0 {
		respondError(w, http.StatusBadRequest, "mutation must not be empty")
		return
	}

	rec, err := h.store.Update(id, mutation)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		slog.Error("failed to update record", "id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to update record")
		return
	}

	h.hub.Broadcast(protocol.Event{Kind: protocol.EventUpdated, ID: rec.ID, Record: rec})
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	if !h.store.Delete(id) {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}

	h.hub.Broadcast(protocol.Event{Kind: protocol.EventDeleted, ID: id})
	w.WriteHeader(http.StatusNoContent)
}

// decodeFields reads the request body as a flat JSON object of record fields.
// Keys that would shadow record metadata are rejected.
func decodeFields(r *http.Request) (map[string]any, error) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		return nil, errors.New("body must be a JSON object")
	}
	if fields == nil {
		return nil, errors.New("body must be a JSON object")
	}
	for _, key := range []string{"id", "createdAt", "updatedAt"} {
		if _, ok := fields[key]; ok {
			return nil, fmt.Errorf("field %q is reserved", key)
		}
	}
	return fields, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
