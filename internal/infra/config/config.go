package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config aggregates gateway configuration values loaded from environment
// variables.
type Config struct {
	Env                   string
	HTTPAddr              string
	BackendBaseURL        string
	RealtimeURL           string
	JWTSecret             string
	BackendCallTimeout    time.Duration
	ConversationStaleTime time.Duration
	MessageStaleTime      time.Duration
	UnreadStaleTime       time.Duration
	FeedPageLimit         int
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("APP_ENV", "dev"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		BackendBaseURL: strings.TrimSpace(os.Getenv("BACKEND_BASE_URL")),
		RealtimeURL:    strings.TrimSpace(os.Getenv("BACKEND_REALTIME_URL")),
		JWTSecret:      strings.TrimSpace(os.Getenv("JWT_SECRET")),
		FeedPageLimit:  20,
	}
	if cfg.BackendBaseURL == "" {
		return Config{}, fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.RealtimeURL == "" {
		derived, err := deriveRealtimeURL(cfg.BackendBaseURL)
		if err != nil {
			return Config{}, err
		}
		cfg.RealtimeURL = derived
	}

	callTimeout, err := parseDurationEnv("BACKEND_CALL_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendCallTimeout = callTimeout

	conversationStale, err := parseDurationEnv("CONVERSATION_STALE_TIME", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationStaleTime = conversationStale

	messageStale, err := parseDurationEnv("MESSAGE_STALE_TIME", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.MessageStaleTime = messageStale

	unreadStale, err := parseDurationEnv("UNREAD_STALE_TIME", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.UnreadStaleTime = unreadStale

	return cfg, nil
}

// deriveRealtimeURL maps the backend's http endpoint to its websocket change
// feed when BACKEND_REALTIME_URL is not set explicitly.
func deriveRealtimeURL(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid BACKEND_BASE_URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid BACKEND_BASE_URL scheme: %s", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/realtime"
	return parsed.String(), nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
