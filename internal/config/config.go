package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	UploadsPath string
	TokenExpiry time.Duration
	PresenceTTL time.Duration

	AdminUser     string
	AdminPassword string

	// Web push is optional; without VAPID keys notifications are off.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "12h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}
	presenceTTL, err := time.ParseDuration(getEnv("PRESENCE_TTL", "90s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_TTL: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("ARCANE_DB", "arcane.db"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		TokenExpiry:     tokenExpiry,
		PresenceTTL:     presenceTTL,
		AdminUser:       getEnv("ADMIN_USER", "admin"),
		AdminPassword:   os.Getenv("ADMIN_PASSWORD"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AdminPassword == "" && !cliMode {
		return fmt.Errorf("ADMIN_PASSWORD is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID keys must be set together or not at all")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
