// Package config handles relay configuration loading and validation.
//
// Files ending in .yaml or .yml are parsed as YAML; anything else as JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Relay     RelayConfig     `json:"relay,omitempty" yaml:"relay,omitempty"`
	Bridge    BridgeConfig    `json:"bridge,omitempty" yaml:"bridge,omitempty"`
	Sniff     SniffConfig     `json:"sniff,omitempty" yaml:"sniff,omitempty"`
	Attack    AttackConfig    `json:"attack,omitempty" yaml:"attack,omitempty"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"` // e.g. ":5001"
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // CORS and WebSocket origins; default ["*"]
}

// RelayConfig tunes per-connection behavior.
type RelayConfig struct {
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`     // default 64KB
	SendBuffer        int      `json:"send_buffer,omitempty" yaml:"send_buffer,omitempty"`                 // outbound frames queued per connection; default 256
	MessagesPerSecond float64  `json:"messages_per_second,omitempty" yaml:"messages_per_second,omitempty"` // default 30
	Burst             int      `json:"burst,omitempty" yaml:"burst,omitempty"`                             // default 50
	PingInterval      Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`             // default 30s
	PongWait          Duration `json:"pong_wait,omitempty" yaml:"pong_wait,omitempty"`                     // default 60s
}

// BridgeConfig tunes worker-to-relay delivery.
type BridgeConfig struct {
	Timeout   Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // default 1s
	QueueSize int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"` // default 256
}

// SniffConfig defines remote capture settings.
type SniffConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"` // default true
	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	CaptureCommand string   `json:"capture_command,omitempty" yaml:"capture_command,omitempty"`
	KillCommand    string   `json:"kill_command,omitempty" yaml:"kill_command,omitempty"`
	ChunkSize      int      `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	KnownHosts     string   `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"` // empty accepts any host key
}

// IsEnabled reports whether start_sniff requests are served.
func (s SniffConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// AttackConfig enables the built-in hashcat runner. With no binary, attack
// requests are only relayed.
type AttackConfig struct {
	Binary     string   `json:"binary,omitempty" yaml:"binary,omitempty"`
	MaxRuntime Duration `json:"max_runtime,omitempty" yaml:"max_runtime,omitempty"` // default 1h
}

// StorageConfig defines the audit database.
type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn" yaml:"dsn"`       // e.g. "hashkitty.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig limits HTTP API requests per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`                             // default 20
}

// Duration is a time.Duration that reads "30s" or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration at line %d", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// IsYAML reports whether path names a YAML file.
func IsYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if IsYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Marshal encodes cfg in the format implied by path.
func Marshal(cfg *Config, path string) ([]byte, error) {
	if IsYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{Addr: ":5001"}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	if c.Relay.MessagesPerSecond < 0 || c.Relay.Burst < 0 {
		return fmt.Errorf("relay rate limit must not be negative")
	}
	if c.Sniff.ChunkSize < 0 {
		return fmt.Errorf("sniff.chunk_size must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Relay.MaxMessageBytes == 0 {
		c.Relay.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Relay.SendBuffer == 0 {
		c.Relay.SendBuffer = 256
	}
	if c.Relay.MessagesPerSecond == 0 {
		c.Relay.MessagesPerSecond = 30
	}
	if c.Relay.Burst == 0 {
		c.Relay.Burst = 50
	}
	if c.Relay.PingInterval.Duration == 0 {
		c.Relay.PingInterval.Duration = 30 * time.Second
	}
	if c.Relay.PongWait.Duration == 0 {
		c.Relay.PongWait.Duration = 60 * time.Second
	}
	if c.Bridge.Timeout.Duration == 0 {
		c.Bridge.Timeout.Duration = time.Second
	}
	if c.Bridge.QueueSize == 0 {
		c.Bridge.QueueSize = 256
	}
	if c.Sniff.ConnectTimeout.Duration == 0 {
		c.Sniff.ConnectTimeout.Duration = 10 * time.Second
	}
	if c.Sniff.CaptureCommand == "" {
		c.Sniff.CaptureCommand = "sudo tcpdump -i any -l -U"
	}
	if c.Sniff.KillCommand == "" {
		c.Sniff.KillCommand = "sudo pkill -f tcpdump"
	}
	if c.Sniff.ChunkSize == 0 {
		c.Sniff.ChunkSize = 1024
	}
	if c.Attack.MaxRuntime.Duration == 0 {
		c.Attack.MaxRuntime.Duration = time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "hashkitty.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}
