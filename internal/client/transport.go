package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncboard/internal/protocol"
)

// Transport is one established persistent channel to the server. Frames
// closes when the transport dies, however it dies. Send and Close may be
// called from the connection manager's loop only.
type Transport interface {
	Frames() <-chan protocol.Frame
	Send(protocol.Frame) error
	Close() error
}

// DialFunc opens one connection attempt and hands back the established
// transport together with the server's registration confirmation.
type DialFunc func(ctx context.Context) (Transport, protocol.Connected, error)

// DialerOptions carries the transport tunables for the client side.
type DialerOptions struct {
	// HandshakeTimeout bounds the dial plus the confirmation read.
	HandshakeTimeout time.Duration
	// ReadTimeout is the read deadline; inbound frames and the server's
	// control pings keep it fresh. It must exceed the server's ping
	// interval.
	ReadTimeout time.Duration
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration
}

func (o DialerOptions) withDefaults() DialerOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// WSDialer dials the server's WebSocket endpoint.
type WSDialer struct {
	url  string
	opts DialerOptions
}

// NewWSDialer derives the WebSocket endpoint from the server base URL.
func NewWSDialer(base *url.URL, opts DialerOptions) *WSDialer {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return &WSDialer{url: u.JoinPath("ws").String(), opts: opts.withDefaults()}
}

// Dial opens the channel and reads the confirmation the server sends
// first. The returned transport is already pumping frames.
func (d *WSDialer) Dial(ctx context.Context) (Transport, protocol.Connected, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, protocol.Connected{}, fmt.Errorf("failed to dial %s: %w", d.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(d.opts.HandshakeTimeout))
	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		return nil, protocol.Connected{}, fmt.Errorf("failed to read confirmation: %w", err)
	}
	conf, err := frame.Connected()
	if err != nil {
		conn.Close()
		return nil, protocol.Connected{}, err
	}

	return newWSTransport(conn, d.opts), conf, nil
}

type wsTransport struct {
	conn *websocket.Conn
	opts DialerOptions

	frames    chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, opts DialerOptions) *wsTransport {
	t := &wsTransport{
		conn:   conn,
		opts:   opts,
		frames: make(chan protocol.Frame, 32),
		done:   make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *wsTransport) Frames() <-chan protocol.Frame {
	return t.frames
}

func (t *wsTransport) Send(f protocol.Frame) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Kind, err)
	}
	return nil
}

// Close tears the connection down and unblocks the read pump. Safe to
// call more than once.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// readPump decodes inbound frames onto the channel until the connection
// dies. Control pings from the server refresh the read deadline and are
// answered in kind, so an idle but healthy connection never times out.
func (t *wsTransport) readPump() {
	defer close(t.frames)
	t.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
	t.conn.SetPingHandler(func(appData string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
		return t.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.opts.WriteTimeout))
	})

	for {
		var frame protocol.Frame
		if err := t.conn.ReadJSON(&frame); err != nil {
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
		select {
		case t.frames <- frame:
		case <-t.done:
			return
		}
	}
}
