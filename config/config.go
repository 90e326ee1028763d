// Package config loads the node's YAML configuration file into the
// options structs the wal, relay, and checkpoint packages consume,
// following the default-then-override pattern used throughout the rest of
// the stack.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/wal"
)

// WALConfig configures the durability engine, per §6's persisted
// configuration surface.
type WALConfig struct {
	Dir             string `yaml:"dir"`
	SyncMode        string `yaml:"sync_mode"` // "none", "write", "fsync"
	CompressionName string `yaml:"compression"`
	MaxSegmentSize  int64  `yaml:"max_segment_size_bytes"`
	RingCapacity    int    `yaml:"ring_capacity_rows"`
	CheckpointEvery int64  `yaml:"checkpoint_every_bytes"`
	GCInterval      string `yaml:"gc_interval"`
}

// RelayConfig configures the outbound streaming listener.
type RelayConfig struct {
	ListenAddress     string `yaml:"listen_address"`
	RingWaitTimeout   string `yaml:"ring_wait_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// IdentityConfig identifies this node within its replicaset.
type IdentityConfig struct {
	InstanceID     uint32 `yaml:"instance_id"`
	InstanceUUID   string `yaml:"instance_uuid"`
	ReplicasetUUID string `yaml:"replicaset_uuid"`
}

// LoggingConfig controls the slog handler the whole process shares.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Config is the top-level node configuration.
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	WAL      WALConfig      `yaml:"wal"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
}

func defaults() *Config {
	return &Config{
		Identity: IdentityConfig{
			InstanceID: 1,
		},
		WAL: WALConfig{
			Dir:             "./data/wal",
			SyncMode:        "write",
			CompressionName: "none",
			MaxSegmentSize:  64 * 1024 * 1024,
			RingCapacity:    16384,
			CheckpointEvery: 128 * 1024 * 1024,
			GCInterval:      "5s",
		},
		Relay: RelayConfig{
			ListenAddress:     ":7777",
			RingWaitTimeout:   "200ms",
			HeartbeatInterval: "1s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load parses YAML configuration from r, starting from defaults so a
// partial file only overrides what it specifies. A nil reader returns the
// defaults unchanged.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and parses the YAML file at path, falling back to
// defaults if it does not exist.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// ParseDuration parses durationStr, falling back to def and logging a
// warning on an invalid (non-empty) value.
func ParseDuration(durationStr string, def time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" {
		return def
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("config: invalid duration, using default", "input", durationStr, "default", def, "error", err)
		}
		return def
	}
	return d
}

// SyncPolicy maps the configured sync_mode string onto a wal.SyncPolicy.
func (c *WALConfig) SyncPolicy() (wal.SyncPolicy, error) {
	switch c.SyncMode {
	case "none":
		return wal.SyncNone, nil
	case "", "write":
		return wal.SyncWrite, nil
	case "fsync":
		return wal.SyncFsync, nil
	default:
		return 0, fmt.Errorf("config: unknown wal.sync_mode %q", c.SyncMode)
	}
}

// Compression maps the configured compression string onto a
// core.CompressionType. It returns an error for an unrecognized value
// rather than silently defaulting, since a typo here would silently
// disable compression.
func (c *WALConfig) Compression() (core.CompressionType, error) {
	switch c.CompressionName {
	case "", "none":
		return core.CompressionNone, nil
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("config: unknown wal.compression %q", c.CompressionName)
	}
}

// InstanceUUIDBytes parses the configured instance_uuid, generating a fresh
// random one if unset — a node's identity only needs to be stable once it
// has joined a replicaset, not before.
func (i *IdentityConfig) InstanceUUIDBytes() ([16]byte, error) {
	return parseOrGenerateUUID(i.InstanceUUID)
}

// ReplicasetUUIDBytes parses the configured replicaset_uuid.
func (i *IdentityConfig) ReplicasetUUIDBytes() ([16]byte, error) {
	return parseOrGenerateUUID(i.ReplicasetUUID)
}

func parseOrGenerateUUID(s string) ([16]byte, error) {
	var out [16]byte
	if s == "" {
		id := uuid.New()
		copy(out[:], id[:])
		return out, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return out, fmt.Errorf("config: parse uuid %q: %w", s, err)
	}
	copy(out[:], id[:])
	return out, nil
}
