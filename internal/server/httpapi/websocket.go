package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The token check in the auth middleware is the access control; origin
	// filtering would only block the local TUI.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsFrame struct {
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// websocket pushes the event log and UI bus to one client until it
// disconnects. Frames carry a channel discriminator so clients can route
// without sniffing payload shapes.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancelEvents := s.deps.Events.Subscribe(256)
	defer cancelEvents()

	var busMessages <-chan any
	var cancelBus func()
	if s.deps.Bus != nil {
		ch, cancel := s.deps.Bus.Subscribe(256)
		cancelBus = cancel
		adapted := make(chan any, 256)
		go func() {
			for msg := range ch {
				adapted <- msg
			}
			close(adapted)
		}()
		busMessages = adapted
	}
	if cancelBus != nil {
		defer cancelBus()
	}

	// A client attaching mid-task missed the earlier bus traffic; replay the
	// retained chunks before streaming live.
	if taskID := c.Query("taskId"); taskID != "" && s.deps.Bus != nil {
		for _, msg := range s.deps.Bus.Chunks(taskID) {
			if err := conn.WriteJSON(wsFrame{Channel: "ui", Payload: msg}); err != nil {
				return
			}
		}
	}

	// Reader goroutine notices the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsFrame{Channel: "event", Payload: ev}); err != nil {
				return
			}
		case msg, ok := <-busMessages:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsFrame{Channel: "ui", Payload: msg}); err != nil {
				return
			}
		}
	}
}
