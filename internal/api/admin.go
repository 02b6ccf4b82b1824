package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"arcane/internal/auth"
	"arcane/internal/directory"
	"arcane/internal/models"
	"arcane/internal/rooms"
)

// AdminHandler serves the operator surface on a separate listener,
// guarded by basic auth.
type AdminHandler struct {
	auth     *auth.Service
	dir      *directory.Directory
	registry *rooms.Registry
	user     string
	password string
}

func NewAdminHandler(authService *auth.Service, dir *directory.Directory, registry *rooms.Registry, user, password string) *AdminHandler {
	return &AdminHandler{
		auth:     authService,
		dir:      dir,
		registry: registry,
		user:     user,
		password: password,
	}
}

func (h *AdminHandler) RequireBasicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(h.user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type AddUserRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type AddUserResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	User    models.User `json:"user,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.auth.SignUp(req.Email, req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}
	h.dir.Add(user)

	writeJSON(w, http.StatusOK, AddUserResponse{Success: true, User: user})
}

func (h *AdminHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dir.List())
}

func (h *AdminHandler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.ListAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// DeleteRoomHandler removes a room on the owner's behalf, for cleaning
// up abandoned rooms.
func (h *AdminHandler) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	room, err := h.registry.Get(roomID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.registry.Delete(roomID, room.OwnerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}
