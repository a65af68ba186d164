// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted in STAYBOOK_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendFirebase = "firebase"
)

// Config is read once at startup. Flags may override fields afterwards.
type Config struct {
	Backend string

	// Postgres
	DatabaseURL  string
	JWTKey       string
	JWTKeySecret string
	AccessTTL    time.Duration

	// Firebase
	FirebaseProjectID    string
	FirebaseAPIKey       string
	FirebaseAPIKeySecret string
	CredentialsFile      string
	Bucket               string

	// Blobs served by cmd/server
	BlobBaseURL string

	CallTimeout time.Duration
	LogLevel    string

	HTTPAddr    string
	CORSOrigins []string

	// Sign-in throttling
	SignInWindow   time.Duration
	SignInMaxFails int
	SignInBlockFor time.Duration
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(), nil
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	return &Config{
		Backend:              strings.ToLower(getEnvString("STAYBOOK_BACKEND", BackendMemory)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JWTKey:               os.Getenv("JWT_KEY"),
		JWTKeySecret:         os.Getenv("JWT_KEY_SECRET"),
		AccessTTL:            getEnvDuration("ACCESS_TTL", 24*time.Hour),
		FirebaseProjectID:    getEnvString("FIREBASE_PROJECT_ID", os.Getenv("GOOGLE_CLOUD_PROJECT")),
		FirebaseAPIKey:       os.Getenv("FIREBASE_API_KEY"),
		FirebaseAPIKeySecret: os.Getenv("FIREBASE_API_KEY_SECRET"),
		CredentialsFile:      os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Bucket:               os.Getenv("GCS_BUCKET"),
		BlobBaseURL:          getEnvString("BLOB_BASE_URL", "http://localhost:8080"),
		CallTimeout:          getEnvDuration("CALL_TIMEOUT", 10*time.Second),
		LogLevel:             getEnvString("LOG_LEVEL", "info"),
		HTTPAddr:             getEnvString("HTTP_ADDR", ":8080"),
		CORSOrigins:          getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		SignInWindow:         getEnvDuration("SIGNIN_WINDOW", 15*time.Minute),
		SignInMaxFails:       getEnvInt("SIGNIN_MAX_FAILS", 5),
		SignInBlockFor:       getEnvDuration("SIGNIN_BLOCK_FOR", 15*time.Minute),
	}
}

// Validate reports the settings the selected backend cannot run without.
// Secret references count as set; they are resolved later.
func (c *Config) Validate() error {
	var missing []string
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if c.JWTKey == "" && c.JWTKeySecret == "" {
			missing = append(missing, "JWT_KEY")
		}
	case BackendFirebase:
		if c.FirebaseProjectID == "" {
			missing = append(missing, "FIREBASE_PROJECT_ID")
		}
		if c.FirebaseAPIKey == "" && c.FirebaseAPIKeySecret == "" {
			missing = append(missing, "FIREBASE_API_KEY")
		}
		if c.Bucket == "" {
			missing = append(missing, "GCS_BUCKET")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("CALL_TIMEOUT must not be negative")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set for %s backend: %v", c.Backend, missing)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
