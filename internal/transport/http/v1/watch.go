package v1

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/roundtable/internal/hub"
)

const (
	watchWriteTimeout = 10 * time.Second
	watchReadTimeout  = 60 * time.Second
	watchPingInterval = 30 * time.Second
)

// WatchRun upgrades to a websocket that streams the run's records, tick
// summaries and status changes.
// GET /v1/runs/:run_id/watch
func (h *Handler) WatchRun(c echo.Context) error {
	if h.hub == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "watch is disabled"})
	}
	runID := c.Param("run_id")
	run, err := h.service.GetRun(c.Request().Context(), runID)
	if err != nil {
		return errorJSON(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "run_id", runID, "error", err)
		return err
	}

	conn := h.hub.NewConnection(ws, runID)
	h.hub.Register(conn)
	_ = h.hub.SendJSON(conn, hub.Message{
		Type:  hub.TypeHello,
		RunID: runID,
		Ts:    time.Now().UnixMilli(),
		Data:  run,
	})

	go h.writePump(conn)
	go h.readPump(conn)
	return nil
}

// readPump drains client frames so pongs and close frames are processed.
func (h *Handler) readPump(conn *hub.Connection) {
	defer func() {
		h.hub.Unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(watchReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("watch connection error", "run_id", conn.RunID, "conn_id", conn.ID, "error", err)
			}
			return
		}
	}
}

// writePump writes queued messages and keepalive pings.
func (h *Handler) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(watchPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
