package ws

import (
	"log/slog"
	"net/http"

	"arcane/internal/auth"
	"arcane/internal/directory"
	"arcane/internal/session"

	"github.com/gorilla/websocket"
)

// SessionFactory builds the channel state machine for one connection.
type SessionFactory func(userID string) *session.Session

type Server struct {
	auth     *auth.Service
	tracker  *directory.Tracker
	sessions SessionFactory
	upgrader *websocket.Upgrader
}

func NewServer(auth *auth.Service, tracker *directory.Tracker, sessions SessionFactory) *Server {
	return &Server{
		auth:     auth,
		tracker:  tracker,
		sessions: sessions,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.GetUserID(connectionToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer func() {
		if err := ws.Close(); err != nil {
			slog.Debug("error closing websocket", "error", err)
		}
	}()

	s.tracker.BeginSession(userID)
	defer s.tracker.EndSession(userID)

	conn := NewConnection(ws, s.sessions(userID), s.tracker, userID)
	if err := conn.Handle(r.Context()); err != nil {
		slog.Info("websocket connection ended", "user_id", userID, "error", err)
	}
}

func connectionToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
