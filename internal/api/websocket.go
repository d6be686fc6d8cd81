package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"governance-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// streamTopics are forwarded to websocket clients.
var streamTopics = []events.Event{
	events.EventComplianceLogged,
	events.EventDecisionMade,
	events.EventPortfolioChanged,
	events.EventAlertTriggered,
	events.EventAlertDispatchFail,
}

type streamMessage struct {
	Type    events.Event `json:"type"`
	Payload any          `json:"payload"`
}

// websocket streams compliance, decision, portfolio and alert events.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// The read loop only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	out := make(chan streamMessage, 100)
	for _, topic := range streamTopics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for payload := range stream {
				select {
				case out <- streamMessage{Type: topic, Payload: payload}:
				case <-closed:
					return
				}
			}
		}(topic, stream)
	}

	for {
		select {
		case <-closed:
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("ws write failed")
				return
			}
		}
	}
}
