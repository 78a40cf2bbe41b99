// Package config loads service configuration from an optional TOML file with
// environment overrides for the values that commonly change per deployment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultAddr              = ":8080"
	defaultDatabasePath      = "storyteller.db"
	defaultLogLevel          = "info"
	defaultChatModel         = "ep-20250220181854-c8s82"
	defaultLLMTimeoutSeconds = 60
	defaultSafetyThreshold   = 0.5
	defaultRunTimeoutSeconds = 240
	defaultHeartbeatSeconds  = 15
	defaultTotalChapters     = 3
)

// Server contains the HTTP listener configuration.
type Server struct {
	Addr     string `toml:"addr"`
	LogLevel string `toml:"log_level"`
}

// Database contains the sqlite store configuration.
type Database struct {
	Path string `toml:"path"`
}

// LLM contains the chat model configuration. The API key is environment-only
// so it never lands in a config file.
type LLM struct {
	Model          string `toml:"model"`
	APIKey         string `toml:"-"`
	Mock           bool   `toml:"mock"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Generation contains story pipeline tuning.
type Generation struct {
	SafetyThreshold   float64        `toml:"safety_threshold"`
	RunTimeoutSeconds int            `toml:"run_timeout_seconds"`
	HeartbeatSeconds  int            `toml:"heartbeat_seconds"`
	TotalChapters     int            `toml:"total_chapters"`
	WordsPerMinute    map[string]int `toml:"words_per_minute"`
}

// Config is the root configuration.
type Config struct {
	Server     Server     `toml:"server"`
	Database   Database   `toml:"database"`
	LLM        LLM        `toml:"llm"`
	Generation Generation `toml:"generation"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:   Server{Addr: defaultAddr, LogLevel: defaultLogLevel},
		Database: Database{Path: defaultDatabasePath},
		LLM: LLM{
			Model:          defaultChatModel,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Generation: Generation{
			SafetyThreshold:   defaultSafetyThreshold,
			RunTimeoutSeconds: defaultRunTimeoutSeconds,
			HeartbeatSeconds:  defaultHeartbeatSeconds,
			TotalChapters:     defaultTotalChapters,
			WordsPerMinute: map[string]int{
				"beginner":     90,
				"intermediate": 140,
				"advanced":     180,
			},
		},
	}
}

// Load reads the TOML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// no file, defaults apply
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LLM.APIKey = os.Getenv("ARK_API_KEY")
	if v := os.Getenv("ARK_CHAT_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := strings.ToLower(os.Getenv("ARK_MOCK")); v == "1" || v == "true" {
		cfg.LLM.Mock = true
	}
	if v := os.Getenv("STORYTELLER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("STORYTELLER_DB"); v != "" {
		cfg.Database.Path = v
	}
}

// Validate checks the values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server addr required")
	}
	if c.Generation.SafetyThreshold < 0 || c.Generation.SafetyThreshold > 1 {
		return fmt.Errorf("config: safety_threshold %v outside [0,1]", c.Generation.SafetyThreshold)
	}
	if c.Generation.RunTimeoutSeconds <= 0 {
		return errors.New("config: run_timeout_seconds must be positive")
	}
	if c.Generation.TotalChapters <= 0 {
		return errors.New("config: total_chapters must be positive")
	}
	for level, wpm := range c.Generation.WordsPerMinute {
		if wpm <= 0 {
			return fmt.Errorf("config: words_per_minute[%s] must be positive", level)
		}
	}
	return nil
}

// RunTimeout is the wall-clock bound for one generation run.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Generation.RunTimeoutSeconds) * time.Second
}

// HeartbeatInterval is the SSE keep-alive period; zero disables heartbeats.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Generation.HeartbeatSeconds) * time.Second
}

// LLMTimeout bounds a single chat model call.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}
