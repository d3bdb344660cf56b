package config

import (
	"log"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the application configuration.
// Tags correspond to the keys in the YAML file.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	DB       DBConfig       `koanf:"db"`
	Backend  BackendConfig  `koanf:"backend"`
	Stream   StreamConfig   `koanf:"stream"`
	Presence PresenceConfig `koanf:"presence"`
	Sender   SenderConfig   `koanf:"sender"`
	MQTT     MQTTConfig     `koanf:"mqtt"`
	Cleanup  CleanupConfig  `koanf:"cleanup"`
}

// ServerConfig holds settings for the local HTTP API.
type ServerConfig struct {
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	DataDir string `koanf:"data_dir"` // Directory for the token file and exports
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"` // Optional path to a log file
}

// DBConfig holds database settings.
type DBConfig struct {
	File string `koanf:"file"` // Path to the SQLite database file
}

// BackendConfig holds settings for the REST backend that owns lectures.
type BackendConfig struct {
	URL      string `koanf:"url"` // Base URL, e.g. http://localhost:8080
	Email    string `koanf:"email"`
	Password string `koanf:"password"`
	Timeout  int    `koanf:"timeout_seconds"`
}

// StreamConfig holds settings for the lecture stream endpoint.
type StreamConfig struct {
	URL           string  `koanf:"url"`  // WebSocket base URL, e.g. ws://localhost:8081
	Path          string  `koanf:"path"` // Stream path, e.g. /ws/lecture
	Mode          string  `koanf:"mode"` // "live" or "fake" (demo mode with synthetic detections)
	BackoffBaseMs int     `koanf:"backoff_base_ms"`
	BackoffFactor float64 `koanf:"backoff_factor"`
	BackoffCapMs  int     `koanf:"backoff_cap_ms"`
	OpenTimeoutMs int     `koanf:"open_timeout_ms"` // Bounded wait for the open handshake at session start
}

// PresenceConfig selects the presence decay policy for a deployment.
type PresenceConfig struct {
	Policy       string `koanf:"policy"` // "batch", "timeout" or "both"
	GraceSeconds int    `koanf:"grace_seconds"`
	SweepSeconds int    `koanf:"sweep_seconds"`
}

// SenderConfig holds settings for the optional frame sender.
type SenderConfig struct {
	Enabled     bool    `koanf:"enabled"`
	SourceDir   string  `koanf:"source_dir"` // Directory of JPEG frames to stream
	FPS         int     `koanf:"fps"`        // 1..15
	JPEGQuality float64 `koanf:"jpeg_quality"`
	Width       int     `koanf:"width"`
	Height      int     `koanf:"height"`
}

// MQTTConfig holds settings for publishing presence transitions.
type MQTTConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Broker   string `koanf:"broker"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	ClientID string `koanf:"client_id"`
	Topic    string `koanf:"topic"`
}

// CleanupConfig holds settings for automatic data cleanup.
type CleanupConfig struct {
	RetentionDays int `koanf:"retention_days"`
}

// GraceDuration returns the timeout-sweep grace period.
func (p PresenceConfig) GraceDuration() time.Duration {
	return time.Duration(p.GraceSeconds) * time.Second
}

// SweepInterval returns the interval of the timeout-sweep ticker.
func (p PresenceConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepSeconds) * time.Second
}

// OpenTimeout returns the bounded wait for the channel open handshake.
func (s StreamConfig) OpenTimeout() time.Duration {
	return time.Duration(s.OpenTimeoutMs) * time.Millisecond
}

// Global koanf instance
var k = koanf.New(".")

// Load reads configuration from a YAML file and applies defaults
// selectively for fields that are still zero-valued.
func Load(configPath string) (*Config, error) {
	log.Printf("Loading configuration from %s...\n", configPath)
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		log.Printf("Warning: Failed to load configuration file '%s': %v\n", configPath, err)
		// Continue even if file loading fails, defaults apply below
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		log.Printf("Warning: Failed to unmarshal config structure: %v\n", err)
	}

	applyDefaults(&cfg)

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Stream.Mode = strings.ToLower(cfg.Stream.Mode)
	cfg.Presence.Policy = strings.ToLower(cfg.Presence.Policy)

	log.Println("Configuration loaded successfully.")
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "/data"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.DB.File == "" {
		cfg.DB.File = "/data/attendance.db"
	}
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://localhost:8080"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 30
	}
	if cfg.Stream.URL == "" {
		cfg.Stream.URL = "ws://localhost:8081"
	}
	if cfg.Stream.Path == "" {
		cfg.Stream.Path = "/ws/lecture"
	}
	if cfg.Stream.Mode == "" {
		cfg.Stream.Mode = "live"
	}
	if cfg.Stream.BackoffBaseMs == 0 {
		cfg.Stream.BackoffBaseMs = 1000
	}
	if cfg.Stream.BackoffFactor == 0 {
		cfg.Stream.BackoffFactor = 1.5
	}
	if cfg.Stream.BackoffCapMs == 0 {
		cfg.Stream.BackoffCapMs = 30000
	}
	if cfg.Stream.OpenTimeoutMs == 0 {
		cfg.Stream.OpenTimeoutMs = 500
	}
	if cfg.Presence.Policy == "" {
		cfg.Presence.Policy = "both"
	}
	if cfg.Presence.GraceSeconds == 0 {
		cfg.Presence.GraceSeconds = 15
	}
	if cfg.Presence.SweepSeconds == 0 {
		cfg.Presence.SweepSeconds = 5
	}
	if cfg.Sender.FPS == 0 {
		cfg.Sender.FPS = 5
	}
	if cfg.Sender.FPS < 1 {
		cfg.Sender.FPS = 1
	}
	if cfg.Sender.FPS > 15 {
		cfg.Sender.FPS = 15
	}
	if cfg.Sender.JPEGQuality == 0 {
		cfg.Sender.JPEGQuality = 0.7
	}
	if cfg.Sender.Width == 0 {
		cfg.Sender.Width = 640
	}
	if cfg.Sender.Height == 0 {
		cfg.Sender.Height = 360
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "localhost"
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "lecture-attendance-go"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "attendance/events"
	}
	if cfg.Cleanup.RetentionDays == 0 {
		cfg.Cleanup.RetentionDays = 30
	}
}
