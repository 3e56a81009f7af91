package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to localhost; cross-origin browsers are the UI dev
	// server.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// streamRunOutput upgrades to a websocket and forwards the run's bus
// output messages until the client disconnects.
func (s *Server) streamRunOutput(c *gin.Context) {
	runID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	// Serialize writes: bus deliveries and pings race otherwise.
	msgs := make(chan []byte, 64)
	sub, err := s.bus.Subscribe("agent.output."+runID, func(_ string, payload []byte) {
		select {
		case msgs <- payload:
		default:
			// Slow consumer; drop rather than block the bus.
		}
	})
	if err != nil {
		s.logger.WithError(err).Error("failed to subscribe to run output", zap.String("run_id", runID))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
