package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsEventBuffer is the per-client event buffer; slow clients miss
	// events rather than stalling the bus.
	wsEventBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon serves a LAN dashboard; cross-origin browsers on the
	// grow network are expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS streams bus events to the dashboard as JSON frames.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event feed unavailable")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(wsEventBuffer)
	defer s.bus.Unsubscribe(sub)

	s.logger.Debug("event feed client connected", "remote", r.RemoteAddr)

	// Reader goroutine: we send only, but reading drives close and
	// pong handling.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			s.logger.Debug("event feed client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event feed write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
