package api

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/citinet/hubtunnel/internal/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	subscriberBuf  = 16
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: sameOrigin,
}

// Broadcaster fans orchestrator status transitions out to stream
// subscribers. A slow subscriber loses its oldest queued views; Observe
// never blocks.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan domain.TunnelStatusView]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[chan domain.TunnelStatusView]struct{}{}}
}

// Observe implements orchestrator.Observer.
func (b *Broadcaster) Observe(_, next domain.TunnelStatusView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- next:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
}

func (b *Broadcaster) subscribe() (<-chan domain.TunnelStatusView, func()) {
	ch := make(chan domain.TunnelStatusView, subscriberBuf)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// handleEvents streams status views as JSON text frames. The current view is
// sent first.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("status stream upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	updates, cancel := s.events.subscribe()
	defer cancel()

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(messageType int, v *domain.TunnelStatusView) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		if v == nil {
			return conn.WriteMessage(messageType, nil)
		}
		return conn.WriteJSON(v)
	}

	current := s.orch.Status()
	if err := write(websocket.TextMessage, &current); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case v := <-updates:
			if err := write(websocket.TextMessage, &v); err != nil {
				return
			}
		}
	}
}
