package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncboard/internal/models"
)

// TestEventFrame_RoundTrip tests that each mutation kind survives the trip
// through its wire frame
func TestEventFrame_RoundTrip(t *testing.T) {
	rec := &models.Record{
		ID:        uuid.New(),
		Fields:    map[string]any{"guest": "Tanaka"},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
	}

	for _, kind := range []EventKind{EventCreated, EventUpdated} {
		frame, err := EventFrame(Event{Kind: kind, ID: rec.ID, Record: rec})
		require.NoError(t, err)
		assert.Equal(t, FrameKind(kind), frame.Kind)

		ev, err := frame.Event()
		require.NoError(t, err)
		assert.Equal(t, kind, ev.Kind)
		assert.Equal(t, rec.ID, ev.ID)
		require.NotNil(t, ev.Record)
		assert.Equal(t, "Tanaka", ev.Record.Fields["guest"])
		assert.True(t, ev.Record.UpdatedAt.Equal(rec.UpdatedAt))
	}

	id := uuid.New()
	frame, err := EventFrame(Event{Kind: EventDeleted, ID: id})
	require.NoError(t, err)
	ev, err := frame.Event()
	require.NoError(t, err)
	assert.Equal(t, EventDeleted, ev.Kind)
	assert.Equal(t, id, ev.ID)
	assert.Nil(t, ev.Record, "a deletion carries only the id")
}

// TestEventFrame_UnknownKind tests the guard against unmapped kinds
func TestEventFrame_UnknownKind(t *testing.T) {
	_, err := EventFrame(Event{Kind: "archived"})
	assert.Error(t, err)
}

// TestFrame_DecodersRejectWrongKinds tests that each decoder refuses frames
// of another kind instead of returning zero values
func TestFrame_DecodersRejectWrongKinds(t *testing.T) {
	conf, err := ConnectedFrame(Connected{ConnectionID: uuid.New(), ServerTime: time.Now().UTC()})
	require.NoError(t, err)

	_, err = conf.Event()
	assert.Error(t, err, "a connected frame is not an event")
	_, err = conf.Pong()
	assert.Error(t, err)
	_, err = conf.Visibility()
	assert.Error(t, err)
	_, err = PingFrame().Connected()
	assert.Error(t, err)
}

// TestPingFrame_CarriesNoPayload pins the ping wire shape; both ends treat
// it as a bare tag
func TestPingFrame_CarriesNoPayload(t *testing.T) {
	raw, err := json.Marshal(PingFrame())
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"ping"}`, string(raw))
}
