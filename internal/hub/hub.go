// Package hub fans live run notifications out to websocket watchers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message types pushed to watchers.
const (
	TypeHello  = "hello"
	TypeRecord = "record"
	TypeTick   = "tick"
	TypeStatus = "status"
)

// Message is the envelope of every frame sent to a watcher.
type Message struct {
	Type  string      `json:"type"`
	RunID string      `json:"run_id"`
	Ts    int64       `json:"ts"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// Connection represents a single watcher connection.
type Connection struct {
	ID    string
	RunID string
	Conn  *websocket.Conn
	Send  chan []byte
	mu    sync.Mutex

	sendOnce sync.Once
}

func (c *Connection) closeSend() {
	c.sendOnce.Do(func() { close(c.Send) })
}

type runMessage struct {
	runID string
	data  []byte
}

// Hub manages watcher connections grouped by run id.
type Hub struct {
	connections map[string]*Connection
	runs        map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *runMessage
	done       chan struct{}
	doneOnce   sync.Once

	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		runs:        make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *runMessage, 256),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done. Once it has
// returned, Register and Unregister no longer block.
func (h *Hub) Run(ctx context.Context) {
	defer h.doneOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.runs[conn.RunID] == nil {
				h.runs[conn.RunID] = make(map[string]bool)
			}
			h.runs[conn.RunID][conn.ID] = true
			h.mu.Unlock()
			h.logger.Debug("watcher registered", "conn_id", conn.ID, "run_id", conn.RunID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if ids := h.runs[conn.RunID]; ids != nil {
					delete(ids, conn.ID)
					if len(ids) == 0 {
						delete(h.runs, conn.RunID)
					}
				}
				conn.closeSend()
			}
			h.mu.Unlock()
			h.logger.Debug("watcher unregistered", "conn_id", conn.ID, "run_id", conn.RunID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.runs[msg.runID] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.data:
				default:
					h.logger.Warn("watcher buffer full, closing", "conn_id", connID, "run_id", msg.runID)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection creates a connection watching runID. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn, runID string) *Connection {
	return &Connection{
		ID:    "conn_" + uuid.New().String()[:8],
		RunID: runID,
		Conn:  ws,
		Send:  make(chan []byte, 256),
	}
}

// Register registers a connection with the hub. After the hub has stopped
// the connection's send channel is closed instead, ending its write pump.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.closeSend()
	}
}

// Unregister unregisters a connection from the hub. It is a no-op once the
// hub has stopped.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Publish queues a message for every watcher of runID. It never blocks the
// caller; when the hub is saturated the message is dropped.
func (h *Hub) Publish(runID, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, RunID: runID, Ts: time.Now().UnixMilli(), Data: data})
	if err != nil {
		h.logger.Error("failed to encode watcher message", "run_id", runID, "error", err)
		return
	}
	select {
	case h.broadcast <- &runMessage{runID: runID, data: payload}:
	default:
		h.logger.Warn("hub broadcast queue full, dropping message", "run_id", runID, "type", msgType)
	}
}

// SendJSON sends a message to one connection.
func (h *Hub) SendJSON(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// WatcherCount returns the number of connections watching runID.
func (h *Hub) WatcherCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs[runID])
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
