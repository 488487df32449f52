package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server binds to localhost and is read by local dashboards.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// validTopic reports whether topic is the firehose or a scoped topic with a
// non-empty key.
func validTopic(topic string) bool {
	if topic == hub.TopicAll {
		return true
	}
	for _, prefix := range []string{"project:", "feature:", "session:"} {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			return true
		}
	}
	return false
}

// handleStream upgrades to a WebSocket and writes every event published on
// the requested topic as a JSON text message. Only events published while
// the client is connected are delivered.
func (s *Server) handleStream(c *gin.Context) {
	topic := c.DefaultQuery("topic", hub.TopicAll)
	if !validTopic(topic) {
		s.writeError(c, ierrors.Validation("topic", "must be events, project:<path>, feature:<id> or session:<id>"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.Hub.Subscribe(topic)
	defer sub.Close()

	log := s.log.WithField("topic", topic)
	log.Debug("stream client connected")

	// The reader only handles control frames; it ends when the client goes away.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-closed:
			log.Debug("stream client disconnected")
			return
		case <-sub.Done():
			log.Warn("stream client too slow, disconnecting")
			closeWith(conn, websocket.ClosePolicyViolation, "subscriber too slow")
			return
		case e := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
