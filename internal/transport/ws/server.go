package ws

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxellobby.io/internal/hub"
	"voxellobby.io/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	readWait   = 60 * time.Second
	outBufSize = 64
)

type Server struct {
	hub *hub.Hub
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(h *hub.Hub, logger *log.Logger) *Server {
	return &Server{
		hub: h,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Handler attaches each accepted connection to the hub immediately; events
// (including joinGame) flow through the hub's inbox. The connection id is
// opaque and stable for the connection lifetime.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connID := uuid.NewString()
		out := make(chan []byte, outBufSize)
		s.hub.Attach() <- hub.AttachRequest{ConnID: connID, Out: out}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			env, err := protocol.DecodeBase(msg)
			if err != nil || env.Event == "" {
				continue
			}
			if err := protocol.ValidateInbound(env.Event, env.Data); err != nil {
				s.log.Printf("conn %s: drop: %v", connID, err)
				continue
			}
			s.hub.Inbox() <- hub.EventEnvelope{ConnID: connID, Event: env.Event, Data: env.Data}
		}

		// Cleanup.
		s.hub.Detach() <- connID
	}
}
