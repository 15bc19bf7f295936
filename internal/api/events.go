package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The command surface is bearer-token protected; same-origin checks
	// add nothing for a localhost daemon talking to its own app shell.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// writeTimeout bounds each event write so a dead peer cannot wedge the
// stream goroutine.
const writeTimeout = 10 * time.Second

// handleEvents upgrades to a WebSocket and streams call events. The
// emitter supports a single cooperative subscriber: a new connection
// displaces the previous one, whose channel is closed under it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s.logger.Info("event stream attached", "remote_addr", r.RemoteAddr)
	ch := s.deps.Events.Attach()

	// Read pump: the stream is write-only, but reading is what detects
	// the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Displaced by a newer subscriber.
				s.logger.Info("event stream displaced", "remote_addr", r.RemoteAddr)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Info("event stream write failed, detaching", "error", err)
				s.deps.Events.Detach(ch)
				return
			}
		case <-done:
			s.logger.Info("event stream detached", "remote_addr", r.RemoteAddr)
			s.deps.Events.Detach(ch)
			return
		}
	}
}
