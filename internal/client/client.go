package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"syncboard/internal/models"
	"syncboard/internal/protocol"
)

// FetchFunc runs one catch-up query and returns the page. The client's
// default implementation calls the server's records-since endpoint.
type FetchFunc func(ctx context.Context, since time.Time) (*models.SyncPage, error)

// Options configure a Client. Callbacks run on the client's internal
// loops and must not block; rendering should read the replica through
// Records and friends instead.
type Options struct {
	// ServerURL is the server base, e.g. "http://127.0.0.1:8080".
	ServerURL string
	// Schedule drives both reconnect delays and catch-up retries. Nil
	// means DefaultRetrySchedule.
	Schedule *RetrySchedule
	// CatchupTimeout bounds a single catch-up attempt. Zero means 10s.
	CatchupTimeout time.Duration
	// DialTimeout bounds the WebSocket handshake. Zero means 10s.
	DialTimeout time.Duration
	// ReadTimeout is the transport read deadline; the server's control
	// pings keep it fresh. Zero means 60s.
	ReadTimeout time.Duration
	// WriteTimeout bounds each outbound frame write. Zero means 10s.
	WriteTimeout time.Duration
	// PongWait bounds how long a liveness probe may go unanswered.
	// Zero means 5s.
	PongWait time.Duration

	// OnStateChange fires on every connection state transition.
	OnStateChange func(Status)
	// OnRecordNew fires exactly once per record id the replica had
	// never seen, whether it arrived via catch-up or a live event.
	OnRecordNew func(*models.Record)
	// OnChange fires after any merge that modified the replica.
	OnChange func()
	// OnSyncError reports a failed catch-up attempt. The replica keeps
	// its last good state and the query is retried under the schedule.
	OnSyncError func(error)
}

func (o Options) withDefaults() Options {
	if o.Schedule == nil {
		o.Schedule = DefaultRetrySchedule()
	}
	if o.CatchupTimeout <= 0 {
		o.CatchupTimeout = 10 * time.Second
	}
	return o
}

type applyMsg struct {
	ev     *protocol.Event
	page   *models.SyncPage
	cutoff time.Time
}

// Client is the full client-side stack: a connection manager keeping the
// persistent channel alive, a sync coordinator holding the local
// replica, and a catch-up fetcher reconciling the two after every
// suspicious transition. Live events and catch-up responses funnel
// through one apply loop, so replica writes stay on a single context no
// matter how they arrived.
type Client struct {
	opts        Options
	coordinator *Coordinator
	manager     *Manager
	fetch       FetchFunc

	applyCh chan applyMsg
	syncCh  chan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a client for the server at opts.ServerURL. Nothing runs
// until Start.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", opts.ServerURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", opts.ServerURL)
	}

	c := &Client{
		opts:        opts,
		coordinator: NewCoordinator(),
		fetch:       newHTTPFetcher(base),
		applyCh:     make(chan applyMsg, 64),
		syncCh:      make(chan time.Time, 8),
	}

	dialer := NewWSDialer(base, DialerOptions{
		HandshakeTimeout: opts.DialTimeout,
		ReadTimeout:      opts.ReadTimeout,
		WriteTimeout:     opts.WriteTimeout,
	})
	c.manager = NewManager(dialer.Dial, ManagerOptions{
		Schedule: opts.Schedule.Clone(),
		PongWait: opts.PongWait,
	}, Callbacks{
		OnStateChange:  opts.OnStateChange,
		OnEvent:        c.enqueueEvent,
		OnSyncRequired: c.requestSync,
	})

	return c, nil
}

// Start launches the connection manager and the merge loops. The first
// connect triggers a full hydration through the ordinary catch-up path.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.applyLoop(c.ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.fetchLoop(c.ctx)
	}()

	return c.manager.Start(c.ctx)
}

// Stop tears the client down deterministically: the transport closes,
// pending retries and in-flight catch-ups are cancelled, and no timer or
// callback fires after it returns.
func (c *Client) Stop() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	err := c.manager.Stop()
	c.wg.Wait()
	return err
}

// Records returns the replica snapshot, most recently created first.
func (c *Client) Records() []*models.Record {
	return c.coordinator.Snapshot()
}

// Record returns one replica record by id.
func (c *Client) Record(id uuid.UUID) (*models.Record, bool) {
	return c.coordinator.Get(id)
}

// Len reports the replica size.
func (c *Client) Len() int {
	return c.coordinator.Len()
}

// Watermark reports the newest UpdatedAt merged into the replica.
func (c *Client) Watermark() time.Time {
	return c.coordinator.Watermark()
}

// Status reports the connection state.
func (c *Client) Status() Status {
	return c.manager.Status()
}

// SetVisible reports a foreground/background transition. Becoming
// visible probes liveness and requests a resync: a transport suspended
// with the tab may have dropped frames without ever closing.
func (c *Client) SetVisible(visible bool) {
	c.manager.NotifyVisibility(visible)
	if visible {
		c.manager.Wake()
	}
}

// NetworkRestored tells the client connectivity came back. Waiting
// reconnects dial immediately; a live connection is probed and
// resynced.
func (c *Client) NetworkRestored() {
	c.manager.Wake()
}

// enqueueEvent hands a live event to the apply loop. Runs on the manager
// loop; if the replica cannot keep up the transport intake slows, the
// server's fan-out drops frames for this observer, and catch-up repairs
// them later.
func (c *Client) enqueueEvent(ev protocol.Event) {
	select {
	case c.applyCh <- applyMsg{ev: &ev}:
	case <-c.ctx.Done():
	}
}

// requestSync queues a catch-up from the cutoff. Non-blocking: when the
// queue is full, a fetch that runs after this moment is already pending,
// and it either covers this cutoff or re-detects whatever prompted it.
func (c *Client) requestSync(cutoff time.Time) {
	select {
	case c.syncCh <- cutoff:
	default:
		slog.Debug("sync request coalesced", "cutoff", cutoff)
	}
}

// applyLoop is the single writer of the replica.
func (c *Client) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.applyCh:
			c.apply(msg)
		}
	}
}

func (c *Client) apply(msg applyMsg) {
	var res MergeResult
	if msg.page != nil {
		res = c.coordinator.ApplyCatchup(msg.page, msg.cutoff)
		// Only now is the response's server clock a watermark the
		// replica is known to be complete through.
		c.manager.MarkSynced(msg.page.ServerTime)
	} else {
		res = c.coordinator.ApplyLiveEvent(*msg.ev)
	}

	for _, rec := range res.New {
		if c.opts.OnRecordNew != nil {
			c.opts.OnRecordNew(rec)
		}
	}
	if res.Changed && c.opts.OnChange != nil {
		c.opts.OnChange()
	}
	if res.Diverged {
		slog.Warn("replica diverged from authoritative count, forcing full resync",
			"local", c.coordinator.Len(), "authoritative", msg.page.TotalCount)
		c.requestSync(time.Time{})
	}
}

// fetchLoop runs catch-up queries one at a time. Requests that arrive
// while a fetch is in flight coalesce into the earliest cutoff, and a
// cutoff is only discarded once a fetch covering it succeeds.
func (c *Client) fetchLoop(ctx context.Context) {
	var (
		cutoff  time.Time
		pending bool
	)
	for {
		if !pending {
			select {
			case <-ctx.Done():
				return
			case cutoff = <-c.syncCh:
				pending = true
			}
		}
		for drained := false; !drained; {
			select {
			case w := <-c.syncCh:
				if w.Before(cutoff) {
					cutoff = w
				}
			default:
				drained = true
			}
		}

		page, err := c.runCatchup(ctx, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Schedule exhausted. Hold the cutoff so the window is not
			// lost; the next sync trigger resumes from it.
			select {
			case <-ctx.Done():
				return
			case w := <-c.syncCh:
				if w.Before(cutoff) {
					cutoff = w
				}
			}
			continue
		}

		select {
		case c.applyCh <- applyMsg{page: page, cutoff: cutoff}:
		case <-ctx.Done():
			return
		}
		pending = false
	}
}

// runCatchup queries records since the cutoff, retrying failures under
// the schedule. Each attempt is individually bounded by CatchupTimeout;
// a failed attempt surfaces through OnSyncError and leaves the replica
// untouched.
func (c *Client) runCatchup(ctx context.Context, cutoff time.Time) (*models.SyncPage, error) {
	op := func() (*models.SyncPage, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.CatchupTimeout)
		defer cancel()
		return c.fetch(attemptCtx, cutoff)
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("catch-up query failed, will retry", "cutoff", cutoff, "retryIn", next, "err", err)
		if c.opts.OnSyncError != nil {
			c.opts.OnSyncError(err)
		}
	}

	page, err := backoff.RetryNotifyWithData(op, backoff.WithContext(c.opts.Schedule.Clone(), ctx), notify)
	if err != nil {
		if ctx.Err() == nil && c.opts.OnSyncError != nil {
			c.opts.OnSyncError(err)
		}
		return nil, fmt.Errorf("catch-up from %s failed: %w", cutoff.Format(time.RFC3339Nano), err)
	}
	return page, nil
}

// newHTTPFetcher builds the catch-up port over the REST surface.
func newHTTPFetcher(base *url.URL) FetchFunc {
	endpoint := base.JoinPath("records", "since")
	httpClient := &http.Client{}

	return func(ctx context.Context, since time.Time) (*models.SyncPage, error) {
		u := *endpoint
		q := u.Query()
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build catch-up request: %w", err)
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("catch-up request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("catch-up request returned status %d", resp.StatusCode)
		}

		var page models.SyncPage
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return nil, fmt.Errorf("failed to decode catch-up response: %w", err)
		}
		return &page, nil
	}
}
