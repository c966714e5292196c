package ws

import (
	"net/http"
	"time"

	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	listenerBuffer = 64
	maxRecent      = 256
)

// Request is a client control message
type Request struct {
	Type string `json:"type"`
	N    int    `json:"n,omitempty"`
}

// Frame is a server message
type Frame struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Event   *events.Event  `json:"event,omitempty"`
	Events  []events.Event `json:"events,omitempty"`
}

// EventStream is the subset of the event service the handler needs
type EventStream interface {
	Listen(buffer int) (<-chan events.Event, func())
	Recent(n int) []events.Event
}

// Handler manages WebSocket event subscribers
type Handler struct {
	events   EventStream
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. Origins are checked by the
// CORS layer, so the upgrader accepts any.
func NewHandler(stream EventStream, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		events:  stream,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and streams events until the
// client disconnects
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	feed, cancel := h.events.Listen(listenerBuffer)
	defer cancel()

	out := make(chan Frame, listenerBuffer)
	done := make(chan struct{})
	go h.writeLoop(conn, feed, out, done)

	out <- Frame{Type: "system", Message: "connected"}
	h.readLoop(conn, out, done)
	close(out)
	<-done
}

// readLoop owns the read side; only writeLoop writes to conn
func (h *Handler) readLoop(conn *websocket.Conn, out chan<- Frame, done <-chan struct{}) {
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		h.record("in")

		var reply Frame
		switch req.Type {
		case "ping":
			reply = Frame{Type: "pong"}
		case "recent":
			n := req.N
			if n <= 0 || n > maxRecent {
				n = maxRecent
			}
			reply = Frame{Type: "recent", Events: h.events.Recent(n)}
		default:
			reply = Frame{Type: "error", Message: "unknown message type"}
		}

		select {
		case out <- reply:
		case <-done:
			return
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, feed <-chan events.Event, out <-chan Frame, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var frame Frame
		select {
		case f, ok := <-out:
			if !ok {
				return
			}
			frame = f
		case ev, ok := <-feed:
			if !ok {
				conn.Close()
				drain(out)
				return
			}
			frame = Frame{Type: "event", Event: &ev}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				drain(out)
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Debug("WebSocket write failed", zap.Error(err))
			// unblock the reader, then wait for it to close out
			conn.Close()
			drain(out)
			return
		}
		h.record("out")
	}
}

func (h *Handler) record(direction string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(direction)
	}
}

func drain(out <-chan Frame) {
	for range out {
	}
}
