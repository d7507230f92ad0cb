package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"syncboard/internal/hub"
	"syncboard/internal/protocol"
)

// Inbound frames are pings and visibility reports; anything bigger is junk.
const wsReadLimit = 512

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWS upgrades the connection, registers it as an observer, sends the
// confirmation, and runs the read and write pumps until either side goes
// away. All writes after the confirmation happen on the write pump.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "err", err)
		return
	}

	obs, confirmation := h.hub.Connect()
	defer h.hub.Disconnect(obs)
	slog.Info("observer connected", "connectionId", obs.ID(), "connections", h.hub.Count())
	defer slog.Info("observer disconnected", "connectionId", obs.ID())

	frame, err := protocol.ConnectedFrame(confirmation)
	if err != nil {
		slog.Error("failed to encode confirmation", "err", err)
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		return
	}

	done := make(chan struct{})
	go h.writePump(conn, obs, done)
	h.readPump(conn, obs)
	close(done)
}

func (h *Handler) writePump(conn *websocket.Conn, obs *hub.Observer, done <-chan struct{}) {
	// Control pings keep the read deadline on the far side fresh; they must
	// outpace its pong timeout.
	ticker := time.NewTicker(h.opts.PongTimeout * 9 / 10)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame, ok := <-obs.Frames():
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, obs *hub.Observer) {
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("observer read failed", "connectionId", obs.ID(), "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))

		switch frame.Kind {
		case protocol.FramePing:
			h.hub.Pong(obs)
		case protocol.FrameVisibility:
			vis, err := frame.Visibility()
			if err != nil {
				slog.Debug("ignoring malformed visibility frame", "connectionId", obs.ID(), "err", err)
				continue
			}
			// Telemetry only; no state changes on the server side.
			slog.Info("client visibility changed", "connectionId", obs.ID(), "visible", vis.Visible)
		default:
			slog.Debug("ignoring unexpected frame", "connectionId", obs.ID(), "kind", frame.Kind)
		}
	}
}
