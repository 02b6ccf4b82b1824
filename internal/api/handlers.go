package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"arcane/internal/auth"
	"arcane/internal/channel"
	"arcane/internal/content"
	"arcane/internal/directory"
	"arcane/internal/filestore"
	"arcane/internal/models"
	"arcane/internal/msgstore"
	"arcane/internal/notify"
	"arcane/internal/rooms"

	"github.com/h2non/filetype"
)

const maxAvatarSize = 5 << 20 // 5 MiB

type API struct {
	auth     *auth.Service
	dir      *directory.Directory
	registry *rooms.Registry
	messages *msgstore.MessageStore
	files    filestore.FileStore
	notify   *notify.Notifier
}

func New(
	authService *auth.Service,
	dir *directory.Directory,
	registry *rooms.Registry,
	messages *msgstore.MessageStore,
	files filestore.FileStore,
	notifier *notify.Notifier,
) *API {
	return &API{
		auth:     authService,
		dir:      dir,
		registry: registry,
		messages: messages,
		files:    files,
		notify:   notifier,
	}
}

// RequireSameOrigin rejects cross-origin state-changing requests.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

// RequireAuth resolves the bearer token and passes the user id along.
func (a *API) RequireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidArgument), errors.Is(err, models.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrLoginFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, auth.ErrUserExists):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, models.APIResponse{Success: false, Message: "internal error"})
		return
	}
	writeJSON(w, status, models.APIResponse{Success: false, Message: err.Error()})
}

type signUpRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) SignUpHandler(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.SignUp(req.Email, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	a.dir.Add(user)

	writeJSON(w, http.StatusCreated, user)
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	User        models.User `json:"user"`
	Token       string      `json:"token"`
	TokenExpiry int64       `json:"tokenExpiry"`
}

func (a *API) SignInHandler(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, token, err := a.auth.SignIn(req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	expiry := a.auth.TokenExpiryUnix()
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(expiry, 0),
	})

	writeJSON(w, http.StatusOK, signInResponse{User: user, Token: token, TokenExpiry: expiry})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.dir.Get(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, a.dir.List())
}

type directChannelResponse struct {
	ChannelID string      `json:"channelId"`
	Peer      models.User `json:"peer"`
}

// DirectChannelHandler resolves the conversation channel between the
// caller and another user.
func (a *API) DirectChannelHandler(w http.ResponseWriter, r *http.Request, userID string) {
	peer, err := a.dir.Get(r.PathValue("userID"))
	if err != nil {
		writeError(w, err)
		return
	}

	channelID, err := channel.DirectID(userID, peer.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, directChannelResponse{ChannelID: channelID, Peer: peer})
}

func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := a.registry.ListForUser(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createRoomRequest struct {
	Name string `json:"name"`
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	room, err := a.registry.Create(req.Name, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

type joinRoomRequest struct {
	Code string `json:"code"`
}

func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	room, err := a.registry.JoinByCode(req.Code, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (a *API) LeaveRoomHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.registry.Leave(r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

type inviteRequest struct {
	Email string `json:"email"`
}

func (a *API) InviteHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	room, err := a.registry.InviteByEmail(r.PathValue("id"), userID, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (a *API) RemoveMemberHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.registry.RemoveMember(r.PathValue("id"), userID, r.PathValue("userID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

type transferRequest struct {
	UserID string `json:"userId"`
}

func (a *API) TransferOwnershipHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.registry.TransferOwnership(r.PathValue("id"), userID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.registry.Delete(r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// MessagesHandler returns the recent tail of a channel log.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	channelID := r.PathValue("channel")
	if err := a.registry.CanAccess(userID, channelID); err != nil {
		writeError(w, err)
		return
	}

	limit := msgstore.DefaultSnapshotLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := a.messages.Recent(channelID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	// format=html returns message bodies rendered from markdown, for
	// clients that do not render it themselves.
	if r.URL.Query().Get("format") == "html" {
		for i := range messages {
			html, err := content.RenderMarkdown(messages[i].Text)
			if err != nil {
				writeError(w, err)
				return
			}
			messages[i].Text = html
		}
	}

	writeJSON(w, http.StatusOK, models.ServerMessage{
		Type:      models.ServerMessageTypeMessages,
		ChannelID: channelID,
		Messages:  messages,
	})
}

type avatarResponse struct {
	AvatarID  string `json:"avatarId"`
	AvatarURL string `json:"avatarUrl"`
}

func (a *API) UploadAvatarHandler(w http.ResponseWriter, r *http.Request, userID string) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAvatarSize))
	if err != nil {
		http.Error(w, "Image too large", http.StatusRequestEntityTooLarge)
		return
	}

	kind, err := filetype.Match(data)
	if err != nil || !filetype.IsImage(data) {
		http.Error(w, "Unsupported image format", http.StatusBadRequest)
		return
	}
	slog.Debug("avatar upload", "user_id", userID, "format", kind.Extension, "size", len(data))

	hash, err := a.files.Save(bytes.NewReader(data))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.dir.SetAvatar(userID, hash); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, avatarResponse{
		AvatarID:  hash,
		AvatarURL: "/api/avatars/" + hash,
	})
}

func (a *API) GetAvatarHandler(w http.ResponseWriter, r *http.Request) {
	blob, err := a.files.Open(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = blob.Close() }()

	data, err := io.ReadAll(blob)
	if err != nil {
		writeError(w, err)
		return
	}

	if kind, err := filetype.Match(data); err == nil && kind.MIME.Value != "" {
		w.Header().Set("Content-Type", kind.MIME.Value)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := w.Write(data); err != nil {
		slog.Debug("failed to write avatar response", "error", err)
	}
}

type pushKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, pushKeyResponse{PublicKey: a.notify.PublicKey()})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.notify.Subscribe(userID, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) PushUnsubscribeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.notify.Unsubscribe(userID); err != nil && !errors.Is(err, models.ErrNotFound) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}
