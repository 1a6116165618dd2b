package stream

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Frame is the WebSocket rendering of an Event.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ServeWebSocket drains em onto conn as JSON text frames until the emitter is
// closed or ctx ends. The connection is pinged every keepalive interval.
func ServeWebSocket(ctx context.Context, conn *websocket.Conn, em *Emitter, keepalive time.Duration) error {
	defer em.Stop()

	var tick <-chan time.Time
	if keepalive > 0 {
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-em.Events():
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, Frame{Event: ev.Name, Data: ev.Data}); err != nil {
				return err
			}
		case <-tick:
			pingCtx, cancel := context.WithTimeout(ctx, keepalive)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
