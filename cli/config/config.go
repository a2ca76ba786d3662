package config

import (
	"fmt"
	"time"
)

// Config represents a kiln.yaml configuration file.
// All values are optional and act as defaults for kiln serve flags.
// CLI flags always override config values.
type Config struct {
	Pool     PoolConfig    `yaml:"pool"`
	LogLevel string        `yaml:"log_level"`
	Journal  JournalConfig `yaml:"journal"`
	Adapter  AdapterConfig `yaml:"adapter"`
}

// PoolConfig holds worker pool defaults from the config file.
type PoolConfig struct {
	Size          int           `yaml:"size"`
	Transport     string        `yaml:"transport"`
	WorkerCommand []string      `yaml:"worker_command"`
	AppRoot       string        `yaml:"app_root"`
	IPCDir        string        `yaml:"ipc_dir"`
	RequestSlots  int           `yaml:"request_slots"`
	ResponseSlots int           `yaml:"response_slots"`
	Respawn       RespawnConfig `yaml:"respawn"`
}

// RespawnConfig holds supervisor respawn defaults.
type RespawnConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxRespawns int      `yaml:"max_respawns"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// JournalConfig holds request/lifecycle journal defaults.
type JournalConfig struct {
	Dataset       string   `yaml:"dataset"`
	App           string   `yaml:"app"`
	Backend       string   `yaml:"backend"`
	Path          string   `yaml:"path"`
	Region        string   `yaml:"region"`
	Endpoint      string   `yaml:"endpoint"`
	S3PathStyle   bool     `yaml:"s3_path_style"`
	FlushCount    int      `yaml:"flush_count"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// AdapterConfig holds lifecycle event adapter defaults.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
