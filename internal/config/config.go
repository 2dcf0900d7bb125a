// Package config loads the gateway's runtime configuration from the
// environment, following the flat-struct-plus-defaults style used
// throughout this codebase's ancestry.
package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config holds every environment-recognised setting for the gateway.
type Config struct {
	Port          string
	AppBaseURL    string
	AIBackendURL  string
	CORSOrigins   string
	TempDir       string
	WWEBJSAuthDir string
	DBURL         string
	LogLevel      string
}

// Load reads .env (if present) and the process environment, applying
// defaults for anything left unset.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ .env file not found, using system environment variables")
	}

	cfg := &Config{
		Port:          os.Getenv("PORT"),
		AppBaseURL:    os.Getenv("APP_BASE_URL"),
		AIBackendURL:  os.Getenv("AI_BACKEND_URL"),
		CORSOrigins:   os.Getenv("CORS_ORIGINS"),
		TempDir:       os.Getenv("TEMP_DIR"),
		WWEBJSAuthDir: os.Getenv("WWEBJS_AUTH_DIR"),
		DBURL:         os.Getenv("DB_URL"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "/tmp/wwebjs"
	}
	if cfg.WWEBJSAuthDir == "" {
		cfg.WWEBJSAuthDir = "./.wwebjs_auth"
	}
	abs, err := filepath.Abs(cfg.WWEBJSAuthDir)
	if err != nil {
		log.Printf("⚠️ Failed to resolve WWEBJS_AUTH_DIR: %v", err)
	} else {
		cfg.WWEBJSAuthDir = abs
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg
}
