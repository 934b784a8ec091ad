package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapwire/internal/store"
	"github.com/tapwire/tapwire/internal/utils"
)

// Hub pushes a summary of every captured request to connected dashboard
// pages over WebSocket.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]context.Context
}

// NewHub returns an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]context.Context)}
}

// HandleWS upgrades the request and registers the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("live feed: accept failed")
		return
	}
	// The feed is write-only; CloseRead watches for the peer going away.
	ctx := conn.CloseRead(context.Background())

	h.mu.Lock()
	h.conns[conn] = ctx
	h.mu.Unlock()

	<-ctx.Done()

	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.CloseNow()
}

// liveEvent is the summary pushed per captured request.
type liveEvent struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Model     string `json:"model,omitempty"`
	Status    int64  `json:"status"`
	Note      string `json:"note,omitempty"`
	Timestamp string `json:"timestamp"`
}

// BroadcastCapture fans a captured request out to every open page. Slow or
// dead connections are dropped.
func (h *Hub) BroadcastCapture(r *store.Request) {
	ev := liveEvent{
		RequestID: r.ID,
		SessionID: r.SessionID,
		Method:    r.Method,
		Path:      r.Path,
		Timestamp: r.Timestamp,
	}
	if r.Model != nil {
		ev.Model = *r.Model
	}
	if r.ResponseStatus != nil {
		ev.Status = *r.ResponseStatus
	}
	if r.Note != nil {
		ev.Note = *r.Note
	}
	payload, err := utils.MarshalNoEscape(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make(map[*websocket.Conn]context.Context, len(h.conns))
	for c, ctx := range h.conns {
		conns[c] = ctx
	}
	h.mu.Unlock()

	for conn, connCtx := range conns {
		ctx, cancel := context.WithTimeout(connCtx, 2*time.Second)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
			_ = conn.CloseNow()
		}
		cancel()
	}
}
