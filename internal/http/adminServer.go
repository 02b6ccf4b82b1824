package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"arcane/internal/api"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(admin *api.AdminHandler, addr string) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", admin.RequireBasicAuth(admin.AddUserHandler))
	mux.HandleFunc("GET /admin/users", admin.RequireBasicAuth(admin.ListUsersHandler))
	mux.HandleFunc("GET /admin/rooms", admin.RequireBasicAuth(admin.ListRoomsHandler))
	mux.HandleFunc("DELETE /admin/rooms/{id}", admin.RequireBasicAuth(admin.DeleteRoomHandler))

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
