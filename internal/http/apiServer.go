package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"arcane/internal/api"
	"arcane/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(handlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	// Identity
	mux.HandleFunc("POST /api/signup", api.RequireSameOrigin(handlers.SignUpHandler))
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(handlers.SignInHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(handlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))

	// Users and direct conversations
	mux.HandleFunc("GET /api/users", handlers.RequireAuth(handlers.UsersHandler))
	mux.HandleFunc("GET /api/direct/{userID}", handlers.RequireAuth(handlers.DirectChannelHandler))
	mux.HandleFunc("POST /api/users/me/avatar", api.RequireSameOrigin(handlers.RequireAuth(handlers.UploadAvatarHandler)))
	mux.HandleFunc("GET /api/avatars/{id}", handlers.GetAvatarHandler)

	// Rooms
	mux.HandleFunc("GET /api/rooms", handlers.RequireAuth(handlers.RoomsHandler))
	mux.HandleFunc("POST /api/rooms", api.RequireSameOrigin(handlers.RequireAuth(handlers.CreateRoomHandler)))
	mux.HandleFunc("POST /api/rooms/join", api.RequireSameOrigin(handlers.RequireAuth(handlers.JoinRoomHandler)))
	mux.HandleFunc("POST /api/rooms/{id}/leave", api.RequireSameOrigin(handlers.RequireAuth(handlers.LeaveRoomHandler)))
	mux.HandleFunc("POST /api/rooms/{id}/invite", api.RequireSameOrigin(handlers.RequireAuth(handlers.InviteHandler)))
	mux.HandleFunc("POST /api/rooms/{id}/transfer", api.RequireSameOrigin(handlers.RequireAuth(handlers.TransferOwnershipHandler)))
	mux.HandleFunc("DELETE /api/rooms/{id}/members/{userID}", handlers.RequireAuth(handlers.RemoveMemberHandler))
	mux.HandleFunc("DELETE /api/rooms/{id}", handlers.RequireAuth(handlers.DeleteRoomHandler))

	// Message history
	mux.HandleFunc("GET /api/channels/{channel}/messages", handlers.RequireAuth(handlers.MessagesHandler))

	// Web push
	mux.HandleFunc("GET /api/push/key", handlers.RequireAuth(handlers.PushKeyHandler))
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(handlers.RequireAuth(handlers.PushSubscribeHandler)))
	mux.HandleFunc("POST /api/push/unsubscribe", api.RequireSameOrigin(handlers.RequireAuth(handlers.PushUnsubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
