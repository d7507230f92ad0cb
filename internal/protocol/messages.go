package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"syncboard/internal/models"
)

// EventKind is the closed set of record mutation kinds. Consumers switch
// exhaustively; an unknown kind is a programming error, not a runtime case.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is one record mutation as broadcast to observers. Record is set for
// Created and Updated; ID is always set.
type Event struct {
	Kind   EventKind
	ID     uuid.UUID
	Record *models.Record
}

// FrameKind tags a Frame on the persistent channel.
type FrameKind string

const (
	FrameConnected  FrameKind = "connected"
	FrameCreated    FrameKind = "created"
	FrameUpdated    FrameKind = "updated"
	FrameDeleted    FrameKind = "deleted"
	FramePong       FrameKind = "pong"
	FramePing       FrameKind = "ping"
	FrameVisibility FrameKind = "visibility"
)

// Frame is the envelope for every message on the persistent channel,
// in both directions.
type Frame struct {
	Kind FrameKind       `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Connected confirms a registration: the observer's identity and the server
// clock at registration time.
type Connected struct {
	ConnectionID uuid.UUID `json:"connectionId"`
	ServerTime   time.Time `json:"serverTime"`
}

// Pong answers a Ping with the current server clock.
type Pong struct {
	ServerTime time.Time `json:"serverTime"`
}

// Deleted carries the id of a removed record.
type Deleted struct {
	ID uuid.UUID `json:"id"`
}

// Visibility reports a client's foreground/background transition. Telemetry
// only; the server takes no action on it.
type Visibility struct {
	Visible bool `json:"visible"`
}

func encodeFrame(kind FrameKind, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s frame: %w", kind, err)
	}
	return Frame{Kind: kind, Data: data}, nil
}

// EventFrame converts a broadcast event into its wire frame.
func EventFrame(ev Event) (Frame, error) {
	switch ev.Kind {
	case EventCreated:
		return encodeFrame(FrameCreated, ev.Record)
	case EventUpdated:
		return encodeFrame(FrameUpdated, ev.Record)
	case EventDeleted:
		return encodeFrame(FrameDeleted, Deleted{ID: ev.ID})
	}
	return Frame{}, fmt.Errorf("unknown event kind %q", ev.Kind)
}

// ConnectedFrame builds the registration confirmation frame.
func ConnectedFrame(c Connected) (Frame, error) {
	return encodeFrame(FrameConnected, c)
}

// PongFrame builds a liveness answer frame.
func PongFrame(p Pong) (Frame, error) {
	return encodeFrame(FramePong, p)
}

// PingFrame builds a liveness probe frame. Ping carries no payload.
func PingFrame() Frame {
	return Frame{Kind: FramePing}
}

// VisibilityFrame builds a visibility report frame.
func VisibilityFrame(v Visibility) (Frame, error) {
	return encodeFrame(FrameVisibility, v)
}

// Event decodes a created, updated, or deleted frame back into an Event.
func (f Frame) Event() (Event, error) {
	switch f.Kind {
	case FrameCreated, FrameUpdated:
		var rec models.Record
		if err := json.Unmarshal(f.Data, &rec); err != nil {
			return Event{}, fmt.Errorf("failed to decode %s frame: %w", f.Kind, err)
		}
		kind := EventCreated
		if f.Kind == FrameUpdated {
			kind = EventUpdated
		}
		return Event{Kind: kind, ID: rec.ID, Record: &rec}, nil
	case FrameDeleted:
		var del Deleted
		if err := json.Unmarshal(f.Data, &del); err != nil {
			return Event{}, fmt.Errorf("failed to decode deleted frame: %w", err)
		}
		return Event{Kind: EventDeleted, ID: del.ID}, nil
	}
	return Event{}, fmt.Errorf("frame %q is not an event", f.Kind)
}

// Connected decodes a connected frame.
func (f Frame) Connected() (Connected, error) {
	var c Connected
	if f.Kind != FrameConnected {
		return c, fmt.Errorf("frame %q is not a connected frame", f.Kind)
	}
	if err := json.Unmarshal(f.Data, &c); err != nil {
		return c, fmt.Errorf("failed to decode connected frame: %w", err)
	}
	return c, nil
}

// Pong decodes a pong frame.
func (f Frame) Pong() (Pong, error) {
	var p Pong
	if f.Kind != FramePong {
		return p, fmt.Errorf("frame %q is not a pong frame", f.Kind)
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return p, fmt.Errorf("failed to decode pong frame: %w", err)
	}
	return p, nil
}

// Visibility decodes a visibility frame.
func (f Frame) Visibility() (Visibility, error) {
	var v Visibility
	if f.Kind != FrameVisibility {
		return v, fmt.Errorf("frame %q is not a visibility frame", f.Kind)
	}
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return v, fmt.Errorf("failed to decode visibility frame: %w", err)
	}
	return v, nil
}
