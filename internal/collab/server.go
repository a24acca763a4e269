package collab

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pagegrid/api/internal/presence"
)

// Store is the full persistence surface the relay depends on.
type Store interface {
	ProjectDirectory
	PageStore
}

// Server accepts collaboration connections on a single HTTP endpoint,
// running the gatekeeper before the upgrade and wiring accepted connections
// into the hub.
type Server struct {
	hub        *Hub
	router     *Router
	gatekeeper *Gatekeeper
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewServer builds the relay around a single hub and presence tracker; both
// live for the whole process and are shared by every connection.
func NewServer(secret []byte, store Store, tracker *presence.Tracker, logger zerolog.Logger) *Server {
	hub := NewHub(logger)
	router := NewRouter(hub, tracker, NewPages(store), logger)
	return &Server{
		hub:        hub,
		router:     router,
		gatekeeper: NewGatekeeper(secret, store),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth happens in the gatekeeper; cross-origin browser
			// clients are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Hub exposes the fan-out point, mainly for tests and shutdown accounting.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ServeWS is the connection handshake endpoint. Rejections are plain HTTP
// responses; the socket is only upgraded once the session is established.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	session, rejection := s.gatekeeper.Authorize(r.Context(), r)
	if rejection != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rejection.Status)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": rejection.Message})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(s.hub, s.router, conn, session, s.logger)
	s.hub.Register(client)

	s.logger.Info().
		Str("project_id", session.ProjectID).
		Str("user_id", session.UserID).
		Msg("collaboration connection established")

	go client.writePump()
	go client.readPump()
}
