package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamWriteTimeout bounds each event write on /ws/runs.
const streamWriteTimeout = 5 * time.Second

// handleRunStream upgrades GET /ws/runs to a websocket and forwards every
// run event published on the engine feed as a JSON text message. The
// stream is one-way; anything the client sends is discarded.
func (g *Gateway) handleRunStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.feed == nil {
			writeError(w, http.StatusServiceUnavailable, "run stream not available")
			return
		}

		// The server write timeout would otherwise cut long-lived streams.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Warn("gateway: websocket accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		events, unsubscribe := g.feed.Subscribe(g.config.StreamBuffer)
		defer unsubscribe()

		// CloseRead handles control frames and cancels ctx once the
		// client goes away.
		ctx := conn.CloseRead(r.Context())
		g.logger.Debug("gateway: run stream opened", "remote", r.RemoteAddr)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "feed closed")
					return
				}
				writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
				err := wsjson.Write(writeCtx, conn, ev)
				cancel()
				if err != nil {
					g.logger.Debug("gateway: run stream closed", "remote", r.RemoteAddr, "error", err)
					return
				}
			}
		}
	}
}
