// Package config loads the node configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tolelom/dropchain/internal/logging"
)

// Mode selects the execution surface.
type Mode string

const (
	// ModeChain runs the PoA block producer over a mempool.
	ModeChain Mode = "chain"
	// ModeDirect applies operations immediately through airdrop.Service.
	ModeDirect Mode = "direct"
)

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `yaml:"chain_id"`
	Alloc   map[string]uint64 `yaml:"alloc"` // pubkey hex → initial balance
}

// MonitorConfig schedules the pool health check. An empty schedule
// disables it.
type MonitorConfig struct {
	Schedule string `yaml:"schedule"` // cron spec with seconds
}

// AuditConfig locates the SQLite audit trail. An empty path disables it.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// Config holds all node configuration.
type Config struct {
	NodeID        string         `yaml:"node_id"`
	DataDir       string         `yaml:"data_dir"`
	Mode          Mode           `yaml:"mode"`
	RPCPort       int            `yaml:"rpc_port"`
	RPCAuthToken  string         `yaml:"rpc_auth_token"`
	BlockInterval time.Duration  `yaml:"block_interval"`
	MaxBlockTxs   int            `yaml:"max_block_txs"` // max transactions per block; 0 → 500
	Validators    []string       `yaml:"validators"`    // authorised proposer pubkey hexes
	Genesis       GenesisConfig  `yaml:"genesis"`
	Log           logging.Config `yaml:"log"`
	Monitor       MonitorConfig  `yaml:"monitor"`
	Audit         AuditConfig    `yaml:"audit"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:        "node0",
		DataDir:       "./data",
		Mode:          ModeChain,
		RPCPort:       8545,
		BlockInterval: 2 * time.Second,
		MaxBlockTxs:   500,
		Genesis: GenesisConfig{
			ChainID: "dropchain-dev",
			Alloc:   map[string]uint64{},
		},
		Log:     logging.Config{Environment: logging.EnvironmentProduction, Level: "info"},
		Monitor: MonitorConfig{Schedule: "0 */5 * * * *"},
		Audit:   AuditConfig{Path: "./data/audit.db"},
	}
}

// Load reads a YAML config file from path on top of the defaults, then
// applies DROP_* environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("DROP_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := getenv("DROP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("DROP_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := getenv("DROP_RPC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DROP_RPC_PORT: %w", err)
		}
		cfg.RPCPort = port
	}
	if v := getenv("DROP_RPC_AUTH_TOKEN"); v != "" {
		cfg.RPCAuthToken = v
	}
	if v := getenv("DROP_BLOCK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DROP_BLOCK_INTERVAL: %w", err)
		}
		cfg.BlockInterval = d
	}
	if v := getenv("DROP_VALIDATORS"); v != "" {
		cfg.Validators = strings.Split(v, ",")
	}
	if v := getenv("DROP_CHAIN_ID"); v != "" {
		cfg.Genesis.ChainID = v
	}
	if v := getenv("DROP_LOG_ENV"); v != "" {
		cfg.Log.Environment = logging.Environment(v)
	}
	if v := getenv("DROP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("DROP_MONITOR_SCHEDULE"); v != "" {
		cfg.Monitor.Schedule = v
	}
	if v := getenv("DROP_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	return nil
}

// Validate checks that the fields required by the selected mode are set.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeChain, ModeDirect:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeChain, ModeDirect, c.Mode)
	}
	if c.Genesis.ChainID == "" {
		return errors.New("genesis.chain_id is required")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port out of range: %d", c.RPCPort)
	}
	if c.Mode == ModeChain && c.BlockInterval <= 0 {
		return errors.New("block_interval must be positive in chain mode")
	}
	return nil
}

// Save writes the config to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
