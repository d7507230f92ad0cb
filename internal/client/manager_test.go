package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncboard/internal/protocol"
)

// --- fakes ---

// fakeTransport is a scripted transport the manager can be driven with.
type fakeTransport struct {
	frames chan protocol.Frame

	mu     sync.Mutex
	sent   []protocol.Frame
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan protocol.Frame, 16)}
}

func (f *fakeTransport) Frames() <-chan protocol.Frame { return f.frames }

func (f *fakeTransport) Send(frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

// drop simulates the server side going away.
func (f *fakeTransport) drop() { f.Close() }

func (f *fakeTransport) push(t *testing.T, frame protocol.Frame) {
	t.Helper()
	select {
	case f.frames <- frame:
	case <-time.After(time.Second):
		t.Fatal("fake transport buffer full")
	}
}

func (f *fakeTransport) sentKinds() []protocol.FrameKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]protocol.FrameKind, len(f.sent))
	for i, frame := range f.sent {
		kinds[i] = frame.Kind
	}
	return kinds
}

// fakeDialer refuses the first fail dials, then hands out fresh
// transports. A negative fail refuses forever.
type fakeDialer struct {
	mu    sync.Mutex
	fail  int
	calls int
	live  []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, protocol.Connected, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		return nil, protocol.Connected{}, errors.New("connection refused")
	}
	tr := newFakeTransport()
	d.live = append(d.live, tr)
	return tr, protocol.Connected{ConnectionID: uuid.New(), ServerTime: time.Now().UTC()}, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[len(d.live)-1]
}

// probe collects manager callbacks on buffered channels.
type probe struct {
	states chan Status
	events chan protocol.Event
	syncs  chan time.Time
}

func newProbe() *probe {
	return &probe{
		states: make(chan Status, 32),
		events: make(chan protocol.Event, 32),
		syncs:  make(chan time.Time, 32),
	}
}

func (p *probe) callbacks() Callbacks {
	return Callbacks{
		OnStateChange:  func(s Status) { p.states <- s },
		OnEvent:        func(ev protocol.Event) { p.events <- ev },
		OnSyncRequired: func(w time.Time) { p.syncs <- w },
	}
}

// --- helpers ---

func waitState(t *testing.T, p *probe, want State) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-p.states:
			if st.State == want {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
			return Status{}
		}
	}
}

func waitSync(t *testing.T, p *probe) time.Time {
	t.Helper()
	select {
	case w := <-p.syncs:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync-required")
		return time.Time{}
	}
}

func startManager(t *testing.T, dialer *fakeDialer, opts ManagerOptions, p *probe) *Manager {
	t.Helper()
	m := NewManager(dialer.Dial, opts, p.callbacks())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop() })
	return m
}

func immediateRetries(n int) *RetrySchedule {
	return &RetrySchedule{Delays: make([]time.Duration, n)}
}

// --- tests ---

// TestManager_ConnectRequestsFullHydration tests that the first connect
// emits a sync-required with a zero cutoff
func TestManager_ConnectRequestsFullHydration(t *testing.T) {
	dialer := &fakeDialer{}
	p := newProbe()
	startManager(t, dialer, ManagerOptions{Schedule: immediateRetries(4)}, p)

	waitState(t, p, StateConnecting)
	st := waitState(t, p, StateConnected)
	assert.Equal(t, 0, st.Attempts)

	cutoff := waitSync(t, p)
	assert.True(t, cutoff.IsZero(), "first connect must hydrate from the beginning")
}

// TestManager_ReconnectCarriesCheckpoint tests that after an outage the
// sync-required carries the watermark synchronized before it began
func TestManager_ReconnectCarriesCheckpoint(t *testing.T) {
	dialer := &fakeDialer{}
	p := newProbe()
	m := startManager(t, dialer, ManagerOptions{Schedule: immediateRetries(4)}, p)

	waitState(t, p, StateConnected)
	waitSync(t, p)
	checkpoint := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.MarkSynced(checkpoint)

	dialer.latest().drop()

	waitState(t, p, StateReconnecting)
	waitState(t, p, StateConnected)
	cutoff := waitSync(t, p)
	assert.True(t, cutoff.Equal(checkpoint), "cutoff must be the checkpoint from before the outage")
	assert.Equal(t, 2, dialer.connects())
}

// TestManager_DialFailuresFollowSchedule tests retrying failed dials
// until one succeeds
func TestManager_DialFailuresFollowSchedule(t *testing.T) {
	dialer := &fakeDialer{fail: 2}
	p := newProbe()
	startManager(t, dialer, ManagerOptions{Schedule: immediateRetries(4)}, p)

	st := waitState(t, p, StateReconnecting)
	assert.Equal(t, StateReconnecting, st.State)
	st = waitState(t, p, StateConnected)
	assert.Equal(t, 0, st.Attempts, "attempts reset once connected")
	assert.Equal(t, 1, dialer.connects())
}

// TestManager_ExhaustedScheduleDisconnects tests the FSM arrow from
// Reconnecting to Disconnected when no final interval is configured
func TestManager_ExhaustedScheduleDisconnects(t *testing.T) {
	dialer := &fakeDialer{fail: -1} // refuse forever
	p := newProbe()
	startManager(t, dialer, ManagerOptions{Schedule: immediateRetries(2)}, p)

	waitState(t, p, StateReconnecting)
	st := waitState(t, p, StateDisconnected)
	assert.Equal(t, StateDisconnected, st.State)
	assert.Equal(t, 0, dialer.connects())
}

// TestManager_WakeProbesWithoutDroppingHealthyConnection tests the wake
// resync: the manager pings, requests a catch-up, and keeps the
// connection once the pong arrives
func TestManager_WakeProbesWithoutDroppingHealthyConnection(t *testing.T) {
	dialer := &fakeDialer{}
	p := newProbe()
	m := startManager(t, dialer, ManagerOptions{Schedule: immediateRetries(4), PongWait: 500 * time.Millisecond}, p)

	waitState(t, p, StateConnected)
	waitSync(t, p)
	tr := dialer.latest()

	m.Wake()

	waitSync(t, p) // the catch-up request is unconditional on wake
	require.Eventually(t, func() bool {
		for _, kind := range tr.sentKinds() {
			if kind == protocol.FramePing {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "wake must send a liveness probe")

	pong, err := protocol.PongFrame(protocol.Pong{ServerTime: time.Now().UTC()})
	require.NoError(t, err)
	tr.push(t, pong)

	// the pong disarms the deadline; no reconnect may follow
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, dialer.connects(), "a healthy probed connection must be kept")
	assert.Equal(t, StateConnected, m.Status().State)
}

// TestManager_UnansweredProbeForcesReconnect tests that a wake probe
// with no pong within the deadline declares the transport dead
func TestManager_UnansweredProbeForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	p := newProbe()
	m := startManager(t, dialer, ManagerOptions{Schedule: immediateRetries(4), PongWait: 50 * time.Millisecond}, p)

	waitState(t, p, StateConnected)
	waitSync(t, p)

	m.Wake()

	waitState(t, p, StateReconnecting)
	waitState(t, p, StateConnected)
	assert.Equal(t, 2, dialer.connects(), "an unanswered probe must force a fresh dial")
}

// TestManager_WakeCollapsesRetryDelay tests that a wake during a long
// backoff wait dials immediately instead of waiting it out
func TestManager_WakeCollapsesRetryDelay(t *testing.T) {
	dialer := &fakeDialer{fail: 1}
	p := newProbe()
	m := startManager(t, dialer, ManagerOptions{
		Schedule: &RetrySchedule{Delays: []time.Duration{time.Minute}},
	}, p)

	waitState(t, p, StateReconnecting)
	m.Wake()

	// far sooner than the one-minute delay
	waitState(t, p, StateConnected)
	assert.Equal(t, 1, dialer.connects())
}

// TestManager_StopCancelsPendingRetry tests that stop is terminal: the
// pending retry never fires and no dial happens afterwards
func TestManager_StopCancelsPendingRetry(t *testing.T) {
	dialer := &fakeDialer{fail: -1}
	p := newProbe()
	m := startManager(t, dialer, ManagerOptions{
		Schedule: &RetrySchedule{Delays: []time.Duration{0, time.Minute}},
	}, p)

	waitState(t, p, StateReconnecting)

	require.NoError(t, m.Stop())

	assert.Equal(t, StateDisconnected, m.Status().State)
	before := dialer.dials()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, dialer.dials(), "no dial may happen after stop")
}

// TestManager_ForwardsLiveEvents tests that event frames reach the
// consumer decoded
func TestManager_ForwardsLiveEvents(t *testing.T) {
	dialer := &fakeDialer{}
	p := newProbe()
	startManager(t, dialer, ManagerOptions{Schedule: immediateRetries(4)}, p)

	waitState(t, p, StateConnected)
	rec := record(uuid.New(), "meeting", 0, 0)
	frame, err := protocol.EventFrame(created(rec))
	require.NoError(t, err)
	dialer.latest().push(t, frame)

	select {
	case ev := <-p.events:
		assert.Equal(t, protocol.EventCreated, ev.Kind)
		assert.Equal(t, rec.ID, ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

// TestManager_VisibilityReportedToServer tests the telemetry path
func TestManager_VisibilityReportedToServer(t *testing.T) {
	dialer := &fakeDialer{}
	p := newProbe()
	m := startManager(t, dialer, ManagerOptions{Schedule: immediateRetries(4)}, p)

	waitState(t, p, StateConnected)
	m.NotifyVisibility(false)

	tr := dialer.latest()
	require.Eventually(t, func() bool {
		for _, kind := range tr.sentKinds() {
			if kind == protocol.FrameVisibility {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "visibility report must reach the transport")
}
