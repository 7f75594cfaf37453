// Package config loads the bot configuration from a YAML file, applies
// environment overrides for credentials and tuning knobs, and watches the
// file for changes so log levels can be adjusted without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the full configuration tree.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Transfer TransferConfig `yaml:"transfer"`
	Storage  StorageConfig  `yaml:"storage"`
	Files    FilesConfig    `yaml:"files"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// OwnerUserIDs restricts control commands; empty allows everyone.
	OwnerUserIDs []int64 `yaml:"owner_user_ids"`
	// PollTimeout is a Go duration string.
	PollTimeout string `yaml:"poll_timeout"`
	// StagingChatID is a chat the bot administers, used as a scratch area
	// when capturing media from source chats. 0 falls back to the first
	// owner's private chat.
	StagingChatID int64 `yaml:"staging_chat_id"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TransferConfig tunes the batch transfer engine.
type TransferConfig struct {
	RateLimitRate  float64 `yaml:"rate_limit_rate"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	MaxDownloads int `yaml:"max_downloads"`
	MaxUploads   int `yaml:"max_uploads"`

	MaxAttempts int `yaml:"max_attempts"`

	SendWaitCap     string `yaml:"send_wait_cap"`
	TransferWaitCap string `yaml:"transfer_wait_cap"`
	FetchTimeout    string `yaml:"fetch_timeout"`

	// FailureRatio >= this fraction of failed tasks escalates a finished
	// batch to failed. 0 disables escalation.
	FailureRatio float64 `yaml:"failure_ratio"`

	DownloadsDir string `yaml:"downloads_dir"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

type FilesConfig struct {
	// CleanupSchedule is a cron expression for the stale-artifact sweep.
	CleanupSchedule string `yaml:"cleanup_schedule"`
	// MaxAge is how old an artifact must be before the sweep removes it.
	MaxAge string `yaml:"max_age"`
}

// Defaults returns the baseline configuration before file and env layers.
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Server:  ServerConfig{Enabled: true, Port: 3000},
		Transfer: TransferConfig{
			RateLimitRate:   1,
			RateLimitBurst:  5,
			MaxDownloads:    3,
			MaxUploads:      2,
			MaxAttempts:     3,
			SendWaitCap:     "60s",
			TransferWaitCap: "300s",
			FetchTimeout:    "300s",
			DownloadsDir:    "./downloads",
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/bot.db"},
		Files:   FilesConfig{CleanupSchedule: "0 * * * *", MaxAge: "24h"},
	}
}

// Load reads path (if it exists), merges env overrides, and validates.
// A missing file is not an error: env-only deployments are supported.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			dec := yaml.NewDecoder(strings.NewReader(string(b)))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env
		default:
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values. Names match
// the legacy deployment so existing .env files keep working.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("RATE_LIMIT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Transfer.RateLimitRate = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Transfer.RateLimitBurst = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_DOWNLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Transfer.MaxDownloads = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_UPLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Transfer.MaxUploads = n
		}
	}
	if v := os.Getenv("DOWNLOADS_DIR"); v != "" {
		cfg.Transfer.DownloadsDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STAGING_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.StagingChatID = id
		}
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token (or BOT_TOKEN) is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Transfer.RateLimitRate <= 0 {
		return fmt.Errorf("transfer.rate_limit_rate must be > 0")
	}
	if c.Transfer.RateLimitBurst < 1 {
		return fmt.Errorf("transfer.rate_limit_burst must be >= 1")
	}
	for _, f := range []struct {
		name, raw string
	}{
		{"transfer.send_wait_cap", c.Transfer.SendWaitCap},
		{"transfer.transfer_wait_cap", c.Transfer.TransferWaitCap},
		{"transfer.fetch_timeout", c.Transfer.FetchTimeout},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"files.max_age", c.Files.MaxAge},
	} {
		if _, err := ParseDurationField(f.name, f.raw); err != nil {
			return err
		}
	}
	if c.Transfer.FailureRatio < 0 || c.Transfer.FailureRatio > 1 {
		return fmt.Errorf("transfer.failure_ratio must be within [0,1]")
	}
	return nil
}

// ParseDurationField parses a Go duration string, treating empty as zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
