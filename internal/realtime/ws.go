package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"scriptcustody/internal/metrics"
)

const writeTimeout = 10 * time.Second

// ServeWS upgrades the request and streams the room's events until the
// client disconnects. Incoming frames are drained and ignored; the
// socket is notify-only.
func ServeWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Query("room")
		if room == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room query parameter required"})
			return
		}

		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		sub := hub.Subscribe(room)
		defer sub.Close()
		metrics.WSConnections.Inc()
		defer metrics.WSConnections.Dec()

		ctx := conn.CloseRead(c.Request.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, evt)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}
