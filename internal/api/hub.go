package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/timeline"
	"github.com/signalsfoundry/fleet-simulator/model"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// streamMessage is one websocket frame of the timeline stream.
type streamMessage struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id"`
	Day       model.Day              `json:"day,omitempty"`
	Rows      []model.TimelineRecord `json:"rows,omitempty"`
	Summaries []model.ClassSummary   `json:"summaries,omitempty"`
}

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	runID string
}

// Hub broadcasts recorded event days to websocket subscribers. Slow clients
// are dropped instead of stalling the recorder.
type Hub struct {
	log      logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns an empty hub.
func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(runID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.runID != "" && c.runID != runID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.log.Warn(context.Background(), "dropping slow timeline subscriber", logging.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams event days until the client
// goes away. The optional run query parameter filters to one run.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "timeline upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer), runID: r.URL.Query().Get("run")}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug(r.Context(), "timeline subscriber connected",
		logging.String("remote", conn.RemoteAddr().String()),
		logging.String("run_id", c.runID),
	)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Sink returns a timeline sink that publishes the days of one run. Closing
// it announces the end of the run; the hub keeps serving.
func (h *Hub) Sink(runID string) timeline.Sink {
	return &hubSink{hub: h, runID: runID}
}

type hubSink struct {
	hub   *Hub
	runID string
}

func (s *hubSink) Write(_ context.Context, entries []timeline.Entry) error {
	for _, e := range entries {
		payload, err := json.Marshal(streamMessage{
			Type:      "day",
			RunID:     s.runID,
			Day:       e.Day,
			Rows:      e.Rows,
			Summaries: e.Summaries,
		})
		if err != nil {
			return err
		}
		s.hub.broadcast(s.runID, payload)
	}
	return nil
}

func (s *hubSink) Close() error {
	payload, err := json.Marshal(streamMessage{Type: "run_complete", RunID: s.runID})
	if err != nil {
		return err
	}
	s.hub.broadcast(s.runID, payload)
	return nil
}
