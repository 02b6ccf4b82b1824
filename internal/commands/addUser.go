package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"arcane/internal/api"
	"arcane/internal/config"
)

// AddUser registers a user through the admin API of a running server.
func AddUser(email, username, password string, cfg *config.Config) error {
	if cfg.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD must be set to talk to the admin API")
	}

	reqBody, err := json.Marshal(api.AddUserRequest{
		Email:    email,
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(cfg.AdminUser, cfg.AdminPassword)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Email:    %s\n", result.User.Email)
	fmt.Printf("Username: %s\n", result.User.Username)
	fmt.Printf("User ID:  %s\n", result.User.ID)
	return nil
}
