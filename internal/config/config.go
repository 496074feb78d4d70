// Package config loads runtime settings from the environment, with a local
// .env file honored in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	SpotifyClientID     string
	SpotifyClientSecret string

	VotingDuration time.Duration
	LogLevel       string
}

// Load reads configuration, applying defaults where the variable is unset.
// DATABASE_URL may be empty; the server then runs on the in-memory store.
func Load() (*Config, error) {
	// Missing .env is fine outside development.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SpotifyClientID:     os.Getenv("SPOTIFY_CLIENT_ID"),
		SpotifyClientSecret: os.Getenv("SPOTIFY_CLIENT_SECRET"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	votingSec, err := getEnvInt("VOTING_DURATION_SEC", 30)
	if err != nil {
		return nil, err
	}
	if votingSec < 5 {
		return nil, fmt.Errorf("VOTING_DURATION_SEC must be at least 5, got %d", votingSec)
	}
	cfg.VotingDuration = time.Duration(votingSec) * time.Second

	if cfg.SpotifyClientID == "" || cfg.SpotifyClientSecret == "" {
		return nil, fmt.Errorf("SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET are required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}
