// Package config loads the satchel.json configuration file. Defaults
// are patched over missing fields so a minimal config stays valid, and
// every component section maps onto that component's own Config struct
// in cmd/satchel.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Config holds all satchel configuration.
type Config struct {
	// Local data directory; the SQLite database lives here.
	DataDir string `json:"dataDir"`

	// Log verbosity: debug, info, warn, error.
	LogLevel string `json:"logLevel"`

	// Scheduling constraint rules (YAML). Missing file means no rules.
	RulesFile string `json:"rulesFile,omitempty"`

	// Resource type manifest (TOML). Missing file means engine defaults.
	ResourcesFile string `json:"resourcesFile,omitempty"`

	// Device identity and credentials
	Device DeviceConfig `json:"device"`

	// School server endpoint
	Server ServerConfig `json:"server"`

	// Real-time change feed
	Feed FeedConfig `json:"feed"`

	// Offline operation queue
	Queue QueueConfig `json:"queue"`

	// Sync engine settings
	Sync SyncConfig `json:"sync"`

	// Content cache budget
	Cache CacheConfig `json:"cache"`

	// Reconnection controller thresholds
	Reconnect ReconnectConfig `json:"reconnect"`
}

// DeviceConfig identifies this installation to the school server. An
// empty ID is generated on first start and written back to the file.
type DeviceConfig struct {
	ID                 string `json:"id,omitempty"`
	Role               string `json:"role"`             // authority role of the signed-in user
	Secret             string `json:"secret,omitempty"` // shared JWT secret; empty disables auth
	TokenExpiryMinutes int    `json:"tokenExpiryMinutes"`
}

type ServerConfig struct {
	BaseURL        string `json:"baseUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// FeedConfig selects the push channel for server-side changes. With
// kind "none" the engine still picks changes up on the next sync pass.
type FeedConfig struct {
	Kind string         `json:"kind"` // "ws", "mqtt" or "none"
	WS   WSFeedConfig   `json:"ws,omitempty"`
	MQTT MQTTFeedConfig `json:"mqtt,omitempty"`
}

type WSFeedConfig struct {
	URL string `json:"url"`
}

type MQTTFeedConfig struct {
	Broker   string `json:"broker"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type QueueConfig struct {
	MaxSize        int     `json:"maxSize"`
	Concurrency    int     `json:"concurrency"`
	MaxRetries     int     `json:"maxRetries"`
	BaseBackoffMs  int64   `json:"baseBackoffMs"`
	MaxBackoffMs   int64   `json:"maxBackoffMs"`
	JitterFraction float64 `json:"jitterFraction"`
}

type SyncConfig struct {
	BatchSize       int      `json:"batchSize"`
	DefaultPolicy   string   `json:"defaultPolicy"`
	EncryptPayloads bool     `json:"encryptPayloads"`
	EncryptionKey   string   `json:"encryptionKey,omitempty"` // hex, 32 bytes
	ResourceTypes   []string `json:"resourceTypes,omitempty"` // download scope, empty = all
}

type CacheConfig struct {
	MaxSizeBytes      int64   `json:"maxSizeBytes"`
	TargetUtilization float64 `json:"targetUtilization"`
}

type ReconnectConfig struct {
	BatteryFloor       float64 `json:"batteryFloor"`
	RequireWiFi        bool    `json:"requireWifi"`
	MinQuality         string  `json:"minQuality"`
	BaseDelaySeconds   int     `json:"baseDelaySeconds"`
	BackoffBaseSeconds int     `json:"backoffBaseSeconds"`
	BackoffMultiplier  float64 `json:"backoffMultiplier"`
	MaxBackoffSeconds  int     `json:"maxBackoffSeconds"`
	MaxRetryAttempts   int     `json:"maxRetryAttempts"`
	StaleAfterHours    int     `json:"staleAfterHours"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:       "./data",
		LogLevel:      "info",
		RulesFile:     "rules.yaml",
		ResourcesFile: "resources.toml",
		Device: DeviceConfig{
			Role:               "student",
			TokenExpiryMinutes: 60,
		},
		Server: ServerConfig{
			BaseURL:        "http://localhost:8460",
			TimeoutSeconds: 30,
		},
		Feed: FeedConfig{
			Kind: "none",
			MQTT: MQTTFeedConfig{Port: 1883},
		},
		Queue: QueueConfig{
			MaxSize:        1000,
			Concurrency:    5,
			MaxRetries:     5,
			BaseBackoffMs:  2000,
			MaxBackoffMs:   300000,
			JitterFraction: 0.25,
		},
		Sync: SyncConfig{
			BatchSize:     50,
			DefaultPolicy: "latest_wins",
		},
		Cache: CacheConfig{
			MaxSizeBytes:      10 * 1024 * 1024,
			TargetUtilization: 0.85,
		},
		Reconnect: ReconnectConfig{
			BatteryFloor:       0.2,
			MinQuality:         "fair",
			BaseDelaySeconds:   30,
			BackoffBaseSeconds: 5,
			BackoffMultiplier:  2,
			MaxBackoffSeconds:  300,
			MaxRetryAttempts:   3,
			StaleAfterHours:    24,
		},
	}
}

// Load reads config from a JSON file, patching defaults over missing
// fields, and ensures the data directory exists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

var (
	logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	feedKinds = map[string]bool{"": true, "none": true, "ws": true, "mqtt": true}
	policies  = map[string]bool{"teacher_authority": true, "latest_wins": true, "merge": true, "manual_review": true}
	qualities = map[string]bool{"excellent": true, "good": true, "fair": true, "poor": true}
	roles     = map[string]bool{"head_teacher": true, "subject_teacher": true, "assistant": true, "student": true, "parent": true}
)

// Validate rejects values the components would otherwise silently
// replace with their defaults.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("config: unknown logLevel %q", c.LogLevel)
	}
	if !feedKinds[c.Feed.Kind] {
		return fmt.Errorf("config: unknown feed kind %q", c.Feed.Kind)
	}
	if c.Feed.Kind == "ws" && c.Feed.WS.URL == "" {
		return fmt.Errorf("config: feed kind ws needs feed.ws.url")
	}
	if c.Feed.Kind == "mqtt" && c.Feed.MQTT.Broker == "" {
		return fmt.Errorf("config: feed kind mqtt needs feed.mqtt.broker")
	}
	if p := c.Sync.DefaultPolicy; p != "" && !policies[p] {
		return fmt.Errorf("config: unknown sync defaultPolicy %q", p)
	}
	if q := c.Reconnect.MinQuality; q != "" && !qualities[q] {
		return fmt.Errorf("config: unknown reconnect minQuality %q", q)
	}
	if r := c.Device.Role; r != "" && !roles[r] {
		return fmt.Errorf("config: unknown device role %q", r)
	}
	if c.Sync.EncryptPayloads {
		if _, err := c.Sync.Key(); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDevice generates a device id when none is configured. Returns
// true when the config changed and should be saved.
func (c *Config) EnsureDevice() bool {
	if c.Device.ID != "" {
		return false
	}
	c.Device.ID = uuid.NewString()
	return true
}

// Key decodes the payload encryption key. EncryptPayloads requires a
// 32-byte hex key.
func (s *SyncConfig) Key() ([]byte, error) {
	if s.EncryptionKey == "" {
		return nil, fmt.Errorf("config: sync.encryptPayloads needs a 32-byte hex encryptionKey")
	}
	key, err := hex.DecodeString(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("config: decode encryptionKey: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: encryptionKey must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// DatabasePath is the SQLite file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "satchel.db")
}
