package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"syncboard/internal/protocol"
)

// State is the connection lifecycle phase the manager is in.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Status is a snapshot of the manager's connection state.
type Status struct {
	State State
	// Attempts counts redials in the current outage; zero while
	// connected.
	Attempts int
	// ConnectedAt and DisconnectedAt are local-clock observability
	// timestamps for the most recent transitions.
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	// SyncedWatermark is the last watermark known to be fully
	// synchronized, in server-clock terms. It moves when a catch-up
	// response is merged, not when the transport connects.
	SyncedWatermark time.Time
}

// Callbacks receive what the manager produces. They are invoked from the
// manager's own loop and must not block.
type Callbacks struct {
	// OnStateChange fires on every status transition.
	OnStateChange func(Status)
	// OnEvent delivers a live record mutation received on the channel.
	OnEvent func(protocol.Event)
	// OnSyncRequired asks the consumer to run a catch-up query from the
	// cutoff watermark. A zero cutoff means full hydration.
	OnSyncRequired func(cutoff time.Time)
}

// ManagerOptions tunes the connection manager.
type ManagerOptions struct {
	// Schedule is the reconnect retry policy. Nil means
	// DefaultRetrySchedule.
	Schedule *RetrySchedule
	// PongWait bounds how long a liveness probe may go unanswered
	// before the connection is declared dead. Zero means 5s.
	PongWait time.Duration
}

type signalKind int

const (
	signalWake signalKind = iota
	signalVisibility
)

type signal struct {
	kind    signalKind
	visible bool
}

// Manager drives the persistent channel through its whole lifecycle:
// dial, serve, reconnect with backoff, wake-time liveness probes, stop.
// Every transition happens on one loop; external stimuli reach it as
// signals, so a reconnect completing can never race a wake-up handler.
type Manager struct {
	dial      DialFunc
	schedule  *RetrySchedule
	pongWait  time.Duration
	callbacks Callbacks

	signals chan signal

	mu     sync.Mutex
	status Status

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager around the dial port. It does nothing
// until Start.
func NewManager(dial DialFunc, opts ManagerOptions, cb Callbacks) *Manager {
	schedule := opts.Schedule
	if schedule == nil {
		schedule = DefaultRetrySchedule()
	}
	pongWait := opts.PongWait
	if pongWait <= 0 {
		pongWait = 5 * time.Second
	}
	return &Manager{
		dial:      dial,
		schedule:  schedule,
		pongWait:  pongWait,
		callbacks: cb,
		signals:   make(chan signal, 8),
		status:    Status{State: StateDisconnected},
	}
}

// Start launches the manager loop, which dials immediately and keeps the
// channel alive until Stop or schedule exhaustion.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.run(ctx)
	}()

	return nil
}

// Stop cancels the loop, closes the transport, and waits for the loop to
// exit. No retry timer fires and no callback runs after Stop returns.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// MarkSynced records that local state is complete through the watermark.
// The consumer calls it after each merged catch-up response; the value
// becomes the cutoff of the next sync-required signal. Responses arrive
// one at a time, so the value follows the server clock, including
// backwards when a snapshot rebases the replica onto a new server
// lifetime.
func (m *Manager) MarkSynced(w time.Time) {
	m.mu.Lock()
	m.status.SyncedWatermark = w
	m.mu.Unlock()
}

// Wake tells the manager the host environment resumed from suspension,
// such as a tab foregrounded or the network restored. Connected, it
// probes liveness and requests a catch-up unconditionally; a suspended
// transport can drop frames without ever reporting a close. Waiting on a
// retry timer, it collapses the delay and dials now.
func (m *Manager) Wake() {
	m.sendSignal(signal{kind: signalWake})
}

// NotifyVisibility reports a foreground/background change to the server.
// Telemetry only; it affects no state on either side.
func (m *Manager) NotifyVisibility(visible bool) {
	m.sendSignal(signal{kind: signalVisibility, visible: visible})
}

func (m *Manager) sendSignal(sig signal) {
	select {
	case m.signals <- sig:
	default:
		// The loop is mid-dial with signals already queued; whatever it
		// is doing ends in a fresh catch-up anyway.
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.transition(func(s *Status) {
		s.State = StateDisconnected
		s.DisconnectedAt = time.Now()
	})

	m.transition(func(s *Status) { s.State = StateConnecting })
	for {
		tr, conf, err := m.dial(ctx)
		if ctx.Err() != nil {
			if err == nil {
				tr.Close()
			}
			return
		}
		if err != nil {
			slog.Warn("dial failed", "err", err)
			m.transition(func(s *Status) { s.State = StateReconnecting })
			if !m.awaitRetry(ctx) {
				return
			}
			continue
		}

		m.schedule.Reset()
		m.transition(func(s *Status) {
			s.State = StateConnected
			s.Attempts = 0
			s.ConnectedAt = time.Now()
		})
		slog.Info("connected", "connectionId", conf.ConnectionID, "serverTime", conf.ServerTime)
		// Reconcile everything missed since the checkpoint taken before
		// the outage; on the first connect the zero cutoff hydrates the
		// replica through the same path.
		m.emitSyncRequired()

		alive := m.serve(ctx, tr)
		tr.Close()
		if !alive {
			return
		}
		m.transition(func(s *Status) {
			s.State = StateReconnecting
			s.DisconnectedAt = time.Now()
		})
		if !m.awaitRetry(ctx) {
			return
		}
	}
}

// serve pumps the established transport. It reports true when the
// transport was lost and a reconnect is due, false when the manager is
// stopping.
func (m *Manager) serve(ctx context.Context, tr Transport) bool {
	var pongTimer *time.Timer
	var pongDeadline <-chan time.Time
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false

		case frame, ok := <-tr.Frames():
			if !ok {
				slog.Warn("transport closed, reconnecting")
				return true
			}
			switch frame.Kind {
			case protocol.FramePong:
				if pongTimer != nil {
					pongTimer.Stop()
					pongTimer, pongDeadline = nil, nil
				}
			case protocol.FrameCreated, protocol.FrameUpdated, protocol.FrameDeleted:
				ev, err := frame.Event()
				if err != nil {
					slog.Warn("dropping malformed event frame", "kind", frame.Kind, "err", err)
					continue
				}
				if m.callbacks.OnEvent != nil {
					m.callbacks.OnEvent(ev)
				}
			default:
				slog.Debug("ignoring unexpected frame", "kind", frame.Kind)
			}

		case <-pongDeadline:
			// The transport still claims to be open but the probe went
			// unanswered; only a reconnect can prove anything now.
			slog.Warn("liveness probe unanswered, reconnecting")
			return true

		case sig := <-m.signals:
			switch sig.kind {
			case signalWake:
				if err := tr.Send(protocol.PingFrame()); err != nil {
					slog.Warn("liveness probe failed, reconnecting", "err", err)
					return true
				}
				if pongTimer == nil {
					pongTimer = time.NewTimer(m.pongWait)
					pongDeadline = pongTimer.C
				}
				// Even a healthy-looking transport may have dropped
				// frames while suspended; the catch-up is cheap and
				// idempotent, so request it unconditionally.
				m.emitSyncRequired()
			case signalVisibility:
				frame, err := protocol.VisibilityFrame(protocol.Visibility{Visible: sig.visible})
				if err != nil {
					slog.Error("failed to encode visibility frame", "err", err)
					continue
				}
				if err := tr.Send(frame); err != nil {
					slog.Warn("failed to report visibility", "err", err)
				}
			}
		}
	}
}

// awaitRetry blocks until the next dial attempt is due. It reports false
// when the schedule is exhausted or the manager is stopping. A wake
// signal collapses the pending delay.
func (m *Manager) awaitRetry(ctx context.Context) bool {
	d := m.schedule.NextBackOff()
	if d == backoff.Stop {
		slog.Warn("retry schedule exhausted, giving up")
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			m.transition(func(s *Status) { s.Attempts++ })
			return true
		case sig := <-m.signals:
			if sig.kind == signalWake {
				m.transition(func(s *Status) { s.Attempts++ })
				return true
			}
			// Visibility reports need a connection; drop them while
			// offline.
		}
	}
}

func (m *Manager) emitSyncRequired() {
	m.mu.Lock()
	cutoff := m.status.SyncedWatermark
	m.mu.Unlock()
	if m.callbacks.OnSyncRequired != nil {
		m.callbacks.OnSyncRequired(cutoff)
	}
}

func (m *Manager) transition(mutate func(*Status)) {
	m.mu.Lock()
	mutate(&m.status)
	status := m.status
	m.mu.Unlock()
	if m.callbacks.OnStateChange != nil {
		m.callbacks.OnStateChange(status)
	}
}
