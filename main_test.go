package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"arcane/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testAdminAddr = "127.0.0.1:8891"
	testAPIAddr   = ":8890"
	testAdminPass = "integration-test-password"
)

func TestIntegration(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("ARCANE_DB", filepath.Join(tmp, "arcane.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(tmp, "uploads"))
	t.Setenv("ADMIN_ADDR", testAdminAddr)
	t.Setenv("API_ADDR", testAPIAddr)
	t.Setenv("ADMIN_PASSWORD", testAdminPass)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/users", testAdminAddr), 50)

	client := &http.Client{}
	apiURL := func(path string) string {
		return fmt.Sprintf("http://localhost%s%s", testAPIAddr, path)
	}

	// Sign up two users
	alice := signUp(t, client, apiURL("/api/signup"), "alice@example.com", "alice", "wonderland1")
	bob := signUp(t, client, apiURL("/api/signup"), "bob@example.com", "bob", "builderbob1")

	// Sign in
	aliceToken := signIn(t, client, apiURL("/api/login"), "alice@example.com", "wonderland1")
	bobToken := signIn(t, client, apiURL("/api/login"), "bob@example.com", "builderbob1")

	// User list is visible to authenticated users
	var users []models.User
	getJSON(t, client, apiURL("/api/users"), aliceToken, &users)
	require.Len(t, users, 2)

	// Direct channel resolution is commutative
	var direct struct {
		ChannelID string      `json:"channelId"`
		Peer      models.User `json:"peer"`
	}
	getJSON(t, client, apiURL("/api/direct/"+bob.ID), aliceToken, &direct)
	require.NotEmpty(t, direct.ChannelID)
	require.Equal(t, bob.ID, direct.Peer.ID)

	var directBack struct {
		ChannelID string `json:"channelId"`
	}
	getJSON(t, client, apiURL("/api/direct/"+alice.ID), bobToken, &directBack)
	require.Equal(t, direct.ChannelID, directBack.ChannelID)

	// Alice creates a room, Bob joins by code
	var room models.Room
	postJSON(t, client, apiURL("/api/rooms"), aliceToken, map[string]string{"name": "Arcane Studies"}, http.StatusCreated, &room)
	require.Len(t, room.Code, 6)
	require.Equal(t, alice.ID, room.OwnerID)

	var joined models.Room
	postJSON(t, client, apiURL("/api/rooms/join"), bobToken, map[string]string{"code": room.Code}, http.StatusOK, &joined)
	require.Equal(t, room.ID, joined.ID)
	require.Len(t, joined.Members, 2)

	// Unknown join code is a 404
	postJSON(t, client, apiURL("/api/rooms/join"), bobToken, map[string]string{"code": "ZZZZZZ"}, http.StatusNotFound, nil)

	// Bob talks in the room over a websocket, Alice sees it over hers
	roomChannel := "room_" + room.ID

	aliceWS := dialWS(t, aliceToken)
	defer func() { _ = aliceWS.Close() }()
	bobWS := dialWS(t, bobToken)
	defer func() { _ = bobWS.Close() }()

	require.NoError(t, aliceWS.WriteJSON(models.ClientMessage{
		Type:      models.ClientMessageTypeSelect,
		ChannelID: roomChannel,
	}))
	require.NoError(t, bobWS.WriteJSON(models.ClientMessage{
		Type:      models.ClientMessageTypeSelect,
		ChannelID: roomChannel,
	}))

	require.NoError(t, bobWS.WriteJSON(models.ClientMessage{
		Type:      models.ClientMessageTypeSend,
		ChannelID: roomChannel,
		Text:      "hello from bob",
	}))

	msg := readUntilText(t, aliceWS, "hello from bob")
	require.Equal(t, roomChannel, msg.ChannelID)
	require.Equal(t, bob.ID, msg.Messages[0].SenderID)

	// The message is also in the history endpoint
	var history models.ServerMessage
	getJSON(t, client, apiURL("/api/channels/"+roomChannel+"/messages"), aliceToken, &history)
	require.NotEmpty(t, history.Messages)
	require.Equal(t, "hello from bob", history.Messages[len(history.Messages)-1].Text)

	// Avatar upload with a minimal valid PNG
	pngBase64 := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
	pngDecoded, err := base64.StdEncoding.DecodeString(pngBase64)
	require.NoError(t, err)

	reqAvatar, err := http.NewRequest(http.MethodPost, apiURL("/api/users/me/avatar"), bytes.NewReader(pngDecoded))
	require.NoError(t, err)
	reqAvatar.Header.Set("Content-Type", "image/png")
	reqAvatar.Header.Set("token", aliceToken)
	respAvatar, err := client.Do(reqAvatar)
	require.NoError(t, err)
	defer func() { _ = respAvatar.Body.Close() }()
	require.Equal(t, http.StatusOK, respAvatar.StatusCode)

	var avatarResp struct {
		AvatarURL string `json:"avatarUrl"`
	}
	require.NoError(t, json.NewDecoder(respAvatar.Body).Decode(&avatarResp))
	require.Contains(t, avatarResp.AvatarURL, "/api/avatars/")

	respImg, err := client.Get(apiURL(avatarResp.AvatarURL))
	require.NoError(t, err)
	defer func() { _ = respImg.Body.Close() }()
	require.Equal(t, http.StatusOK, respImg.StatusCode)
	require.Equal(t, "image/png", respImg.Header.Get("Content-Type"))

	// Admin surface lists the room
	reqRooms, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/admin/rooms", testAdminAddr), nil)
	reqRooms.SetBasicAuth("admin", testAdminPass)
	respRooms, err := client.Do(reqRooms)
	require.NoError(t, err)
	defer func() { _ = respRooms.Body.Close() }()
	require.Equal(t, http.StatusOK, respRooms.StatusCode)

	// Owner deletes the room; the code stops working
	reqDel, _ := http.NewRequest(http.MethodDelete, apiURL("/api/rooms/"+room.ID), nil)
	reqDel.Header.Set("token", aliceToken)
	respDel, err := client.Do(reqDel)
	require.NoError(t, err)
	defer func() { _ = respDel.Body.Close() }()
	require.Equal(t, http.StatusOK, respDel.StatusCode)

	postJSON(t, client, apiURL("/api/rooms/join"), bobToken, map[string]string{"code": room.Code}, http.StatusNotFound, nil)
}

func signUp(t *testing.T, client *http.Client, url, email, username, password string) models.User {
	t.Helper()
	var user models.User
	postJSON(t, client, url, "", map[string]string{
		"email":    email,
		"username": username,
		"password": password,
	}, http.StatusCreated, &user)
	require.NotEmpty(t, user.ID)
	return user
}

func signIn(t *testing.T, client *http.Client, url, email, password string) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	postJSON(t, client, url, "", map[string]string{
		"email":    email,
		"password": password,
	}, http.StatusOK, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func postJSON(t *testing.T, client *http.Client, url, token string, body any, wantStatus int, out any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("token", token)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, wantStatus, resp.StatusCode)

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func getJSON(t *testing.T, client *http.Client, url, token string, out any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("token", token)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func dialWS(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://localhost%s/api/chat", testAPIAddr)
	header := http.Header{}
	header.Set("token", token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	require.NoError(t, err)
	return conn
}

// readUntilText drains server messages until one carries the wanted
// text, skipping presence and history frames along the way.
func readUntilText(t *testing.T, conn *websocket.Conn, text string) models.ServerMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))

	for time.Now().Before(deadline) {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != models.ServerMessageTypeMessages {
			continue
		}
		for _, m := range msg.Messages {
			if m.Text == text {
				return msg
			}
		}
	}
	t.Fatalf("never received message %q", text)
	return models.ServerMessage{}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, urlStr, nil)
	req.SetBasicAuth("admin", testAdminPass)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
