// ABOUTME: Env-var-first configuration, with an optional YAML overlay file for
// ABOUTME: operators who prefer one. Env vars are read directly; there is no
// ABOUTME: ${VAR} expansion, duration parsing or XDG path lookup.

package hub

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the hub's full runtime configuration. Every field except
// matrix.allowed_rooms can come from an environment variable (the recognized
// keys; matrix.enabled is set by MATRIX_HOMESERVER); an optional YAML overlay
// file fills in anything env vars leave blank, and env vars always win when
// both are set.
type Config struct {
	Port          int    `yaml:"port"`
	ChatBotToken  string `yaml:"chat_bot_token"`
	HubPublicURL  string `yaml:"hub_public_url"`
	DatabaseURL   string `yaml:"database_url"`
	DefaultChatID int64  `yaml:"default_chat_id"`
	HubSecret     string `yaml:"hub_secret"`

	Matrix MatrixConfig `yaml:"matrix"`
}

// MatrixConfig configures the optional internal/matrixadapter bridge. It is
// only wired up if Enabled is true; setting MATRIX_HOMESERVER enables it.
type MatrixConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AllowedRooms []string `yaml:"allowed_rooms"`
	BotHandle    string   `yaml:"bot_handle"`
}

const defaultPort = 9900

// LoadConfig builds a Config from environment variables, optionally
// overlaying a YAML file at overlayPath first (if it exists; a missing file
// is not an error). Env vars always take precedence over the overlay.
func LoadConfig(overlayPath string) (*Config, error) {
	cfg := &Config{Port: defaultPort}

	if overlayPath != "" {
		if data, err := os.ReadFile(overlayPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config overlay %s: %w", overlayPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config overlay %s: %w", overlayPath, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("CHAT_BOT_TOKEN"); v != "" {
		cfg.ChatBotToken = v
	}
	if v := os.Getenv("HUB_PUBLIC_URL"); v != "" {
		cfg.HubPublicURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DEFAULT_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing DEFAULT_CHAT_ID %q: %w", v, err)
		}
		cfg.DefaultChatID = id
	}
	if v := os.Getenv("HUB_SECRET"); v != "" {
		cfg.HubSecret = v
	}

	if v := os.Getenv("MATRIX_HOMESERVER"); v != "" {
		cfg.Matrix.Enabled = true
		cfg.Matrix.Homeserver = v
	}
	if v := os.Getenv("MATRIX_USER_ID"); v != "" {
		cfg.Matrix.UserID = v
	}
	if v := os.Getenv("MATRIX_BOT_HANDLE"); v != "" {
		cfg.Matrix.BotHandle = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required keys are present.
func (c *Config) Validate() error {
	if c.ChatBotToken == "" {
		return fmt.Errorf("CHAT_BOT_TOKEN is required")
	}
	if c.Matrix.Enabled && c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
	}
	return nil
}

// sweepTick and idleThreshold are the conversation-sweeper defaults: a 60s
// tick and a 30m idle threshold.
const (
	sweepTick     = 60 * time.Second
	idleThreshold = 30 * time.Minute
)
