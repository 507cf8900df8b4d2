package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"niolab/internal/domain"
)

// wsConn tracks a single websocket subscriber.
type wsConn struct {
	ws        *websocket.Conn
	sendCh    chan domain.Event // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// wsHub fans orchestration events out to connected websocket clients.
type wsHub struct {
	clients sync.Map // connID (uint64) -> *wsConn
	nextID  atomic.Uint64
	logger  *slog.Logger
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{logger: logger}
}

// broadcast queues an event to every client. Slow clients drop events rather
// than stall the bus.
func (h *wsHub) broadcast(event domain.Event) {
	h.clients.Range(func(_, value any) bool {
		c := value.(*wsConn)
		select {
		case c.sendCh <- event:
		default:
			h.logger.Warn("dropped event for slow websocket client", "type", string(event.Type))
		}
		return true
	})
}

func (h *wsHub) closeAll() {
	h.clients.Range(func(key, value any) bool {
		c := value.(*wsConn)
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		h.clients.Delete(key)
		return true
	})
}

// handleWS upgrades the connection and streams lifecycle events until the
// client disconnects. Auth uses a token query param since browsers cannot
// set headers on websocket dials.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authenticate(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.wsHub.nextID.Add(1)
	c := &wsConn{
		ws:     ws,
		sendCh: make(chan domain.Event, 64),
		done:   make(chan struct{}),
	}
	s.wsHub.clients.Store(connID, c)
	s.logger.Info("websocket client connected", "conn_id", connID)

	go s.writeLoop(c)

	// Read loop: the feed is one-way, but reading is required to notice the
	// peer closing and to answer pings.
	readCtx := r.Context()
	for {
		if _, _, err := ws.Read(readCtx); err != nil {
			break
		}
	}

	c.close()
	s.wsHub.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("websocket client disconnected", "conn_id", connID)
}

func (s *Server) writeLoop(c *wsConn) {
	for {
		select {
		case <-c.done:
			return
		case event := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := wsjson.Write(ctx, c.ws, event)
			cancel()
			if err != nil {
				c.close()
				return
			}
		}
	}
}
