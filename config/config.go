package config

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	FabricChannel = "channel"
	FabricHTTP    = "http"

	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
)

// NetworkConfig holds latency simulation settings for the HTTP fabric
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms"` // Minimum delay in milliseconds
	MaxDelayMs   int  `json:"max_delay_ms"` // Maximum delay in milliseconds
}

// Config holds all configurable parameters for the application
type Config struct {
	ShardNum         int           `json:"shard_num"`
	StorageDir       string        `json:"storage_dir"`
	StateBackend     string        `json:"state_backend"`     // "memory" or "leveldb"
	WorkersPerShard  int           `json:"workers_per_shard"` // executor worker pool size
	Fabric           string        `json:"fabric"`            // "channel" or "http"
	BasePort         int           `json:"base_port"`         // shard i listens on BasePort+i
	RequestTimeoutMs int           `json:"request_timeout_ms"`
	Network          NetworkConfig `json:"network"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		ShardNum:         4,
		StorageDir:       "storage/test_statedb",
		StateBackend:     BackendMemory,
		WorkersPerShard:  8,
		Fabric:           FabricChannel,
		BasePort:         9100,
		RequestTimeoutMs: 10000,
	}
}

// Load reads and parses the config.json file. Missing fields keep their
// default values.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return cfg, nil
}

// LoadDefault loads the default config from config.json in the current directory
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}

// Validate rejects configurations a round cannot run with
func (c *Config) Validate() error {
	if c.ShardNum < 1 {
		return fmt.Errorf("shard_num must be positive, got %d", c.ShardNum)
	}
	if c.WorkersPerShard < 1 {
		return fmt.Errorf("workers_per_shard must be positive, got %d", c.WorkersPerShard)
	}
	switch c.Fabric {
	case FabricChannel, FabricHTTP:
	default:
		return fmt.Errorf("unknown fabric %q", c.Fabric)
	}
	switch c.StateBackend {
	case BackendMemory, BackendLevelDB:
	default:
		return fmt.Errorf("unknown state_backend %q", c.StateBackend)
	}
	if c.Network.DelayEnabled && c.Network.MaxDelayMs < c.Network.MinDelayMs {
		return fmt.Errorf("network.max_delay_ms (%d) below min_delay_ms (%d)",
			c.Network.MaxDelayMs, c.Network.MinDelayMs)
	}
	if c.Fabric == FabricHTTP && (c.BasePort <= 0 || c.BasePort+c.ShardNum > 65535) {
		return fmt.Errorf("base_port %d cannot host %d shards", c.BasePort, c.ShardNum)
	}
	return nil
}
