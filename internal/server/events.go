package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
)

const (
	// eventBufferSize is the per-subscriber event buffer. A subscriber
	// that cannot keep up is disconnected rather than backing up the
	// mutation path.
	eventBufferSize = 256

	writeWait = 10 * time.Second
	pingWait  = 30 * time.Second
)

// eventHub fans committed graph events out to websocket subscribers.
type eventHub struct {
	logger   observability.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[chan graph.Event]struct{}
	closed      bool
}

func newEventHub(logger observability.Logger) *eventHub {
	return &eventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The stream is an internal debug surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[chan graph.Event]struct{}),
	}
}

// publish delivers an event to every subscriber without blocking. It
// runs on the mutating goroutine, so a slow subscriber loses events
// instead of slowing commits.
func (h *eventHub) publish(ev graph.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) subscribe() (chan graph.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	ch := make(chan graph.Event, eventBufferSize)
	h.subscribers[ch] = struct{}{}
	return ch, true
}

func (h *eventHub) unsubscribe(ch chan graph.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, ch)
}

// close disconnects all subscribers.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}

// handleEvents upgrades the connection and streams graph events as
// JSON messages until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.events.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", observability.Error(err))
		return
	}
	defer conn.Close()

	ch, ok := s.events.subscribe()
	if !ok {
		return
	}
	defer s.events.unsubscribe(ch)

	// Reader goroutine: drains client frames and signals disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingWait)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
