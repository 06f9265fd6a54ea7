package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// DefaultLogLevel defines a default log level as INFO.
	DefaultLogLevel = "info"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultSwarmsyncDir = ".swarmsync"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName = "config.toml"
	defaultAccountKeyName = "account_key.json"
	defaultGroupsName     = "groups.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultAccountKeyPath = filepath.Join(defaultConfigDir, defaultAccountKeyName)
	defaultGroupsPath     = filepath.Join(defaultConfigDir, defaultGroupsName)
)

// Config defines the top level configuration for a swarmsync client
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Network         *NetworkConfig         `mapstructure:"network"`
	Poller          *PollerConfig          `mapstructure:"poller"`
	Ingest          *IngestConfig          `mapstructure:"ingest"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a swarmsync client
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Network:         DefaultNetworkConfig(),
		Poller:          DefaultPollerConfig(),
		Ingest:          DefaultIngestConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Network:         TestNetworkConfig(),
		Poller:          TestPollerConfig(),
		Ingest:          TestIngestConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Network.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [network] section: %w", err)
	}
	if err := cfg.Poller.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [poller] section: %w", err)
	}
	if err := cfg.Ingest.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [ingest] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a swarmsync client
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// Path to the JSON file containing the account's ed25519 and x25519 keys
	AccountKey string `mapstructure:"account_key_file"`

	// Account identifier polled as the Self target. Derived from the
	// account key when empty.
	AccountID string `mapstructure:"account_id"`

	// Path to the TOML file listing the groups the account follows
	Groups string `mapstructure:"groups_file"`

	// How often expired seen hashes and resume cursors are pruned
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// DefaultBaseConfig returns a default base configuration for a swarmsync client
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		AccountKey:    defaultAccountKeyPath,
		Groups:        defaultGroupsPath,
		LogLevel:      DefaultLogLevel,
		LogFormat:     LogFormatPlain,
		DBBackend:     "goleveldb",
		DBPath:        defaultDataDir,
		PruneInterval: 10 * time.Minute,
	}
}

// TestBaseConfig returns a base configuration for testing a swarmsync client
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	cfg.PruneInterval = time.Second
	return cfg
}

// AccountKeyFile returns the full path to the account_key.json file
func (cfg BaseConfig) AccountKeyFile() string {
	return rootify(cfg.AccountKey, cfg.RootDir)
}

// GroupsFile returns the full path to the groups.toml file
func (cfg BaseConfig) GroupsFile() string {
	return rootify(cfg.Groups, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	if cfg.PruneInterval <= 0 {
		return errors.New("prune_interval must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// NetworkConfig

// SeedNode is a bootstrap endpoint together with its selection weight.
type SeedNode struct {
	URL    string
	Weight uint
}

// NetworkConfig defines how the client talks to storage and seed nodes.
type NetworkConfig struct {
	// Comma separated list of seed endpoints. An optional "@weight" suffix
	// biases the random choice between them.
	SeedNodes string `mapstructure:"seed_nodes"`

	// Timeout for a single batched request to a storage node
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Timeout for a single seed bootstrap request
	SeedTimeout time.Duration `mapstructure:"seed_timeout"`

	// Number of verified entry guards to maintain
	GuardCount int `mapstructure:"guard_count"`

	// Storage nodes present self-signed certificates
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// DefaultNetworkConfig returns a default network configuration
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		SeedNodes: strings.Join([]string{
			"https://seed1.getsession.org/json_rpc@1",
			"https://seed2.getsession.org/json_rpc@1",
			"https://seed3.getsession.org/json_rpc@1",
		}, ","),
		RequestTimeout:     30 * time.Second,
		SeedTimeout:        30 * time.Second,
		GuardCount:         2,
		InsecureSkipVerify: true,
	}
}

// TestNetworkConfig returns a network configuration for testing
func TestNetworkConfig() *NetworkConfig {
	cfg := DefaultNetworkConfig()
	cfg.RequestTimeout = time.Second
	cfg.SeedTimeout = time.Second
	return cfg
}

// ParseSeedNodes splits SeedNodes into endpoints. Entries without a weight
// get weight 1.
func (cfg *NetworkConfig) ParseSeedNodes() ([]SeedNode, error) {
	var seeds []SeedNode
	for _, entry := range strings.Split(cfg.SeedNodes, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		seed := SeedNode{URL: entry, Weight: 1}
		if i := strings.LastIndex(entry, "@"); i > 0 {
			w, err := strconv.ParseUint(entry[i+1:], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid weight in seed %q: %w", entry, err)
			}
			if w == 0 {
				return nil, fmt.Errorf("seed %q has zero weight", entry)
			}
			seed.URL, seed.Weight = entry[:i], uint(w)
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *NetworkConfig) ValidateBasic() error {
	seeds, err := cfg.ParseSeedNodes()
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return errors.New("at least one seed node is required")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if cfg.SeedTimeout <= 0 {
		return errors.New("seed_timeout must be positive")
	}
	if cfg.GuardCount <= 0 {
		return errors.New("guard_count must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// PollerConfig

// PollerConfig defines the poll cadence per recency bucket.
type PollerConfig struct {
	// Interval for groups active within two days. Also the loop period.
	ActiveInterval time.Duration `mapstructure:"active_interval"`

	// Interval for groups active within seven days
	MediumInterval time.Duration `mapstructure:"medium_interval"`

	// Interval for everything older or unknown
	InactiveInterval time.Duration `mapstructure:"inactive_interval"`

	// A group poll returning at least this many content messages is
	// considered paginated and becomes due again on the next cycle.
	PageCeiling int `mapstructure:"page_ceiling"`
}

// DefaultPollerConfig returns the default poll cadence
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		ActiveInterval:   5 * time.Second,
		MediumInterval:   60 * time.Second,
		InactiveInterval: 120 * time.Second,
		PageCeiling:      95,
	}
}

// TestPollerConfig returns the poll cadence used in tests
func TestPollerConfig() *PollerConfig {
	return DefaultPollerConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *PollerConfig) ValidateBasic() error {
	if cfg.ActiveInterval <= 0 {
		return errors.New("active_interval must be positive")
	}
	if cfg.MediumInterval < cfg.ActiveInterval {
		return errors.New("medium_interval can't be shorter than active_interval")
	}
	if cfg.InactiveInterval < cfg.MediumInterval {
		return errors.New("inactive_interval can't be shorter than medium_interval")
	}
	if cfg.PageCeiling <= 0 {
		return errors.New("page_ceiling must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// IngestConfig

// IngestConfig bounds the unprocessed envelope backlog.
type IngestConfig struct {
	// Time a single envelope may spend being handled
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// Reloads after which a failing envelope is dropped
	MaxAttempts int `mapstructure:"max_attempts"`

	// A backlog larger than this is discarded instead of replayed
	MaxBacklog int `mapstructure:"max_backlog"`
}

// DefaultIngestConfig returns the default ingestion limits
func DefaultIngestConfig() *IngestConfig {
	return &IngestConfig{
		TaskTimeout: time.Minute,
		MaxAttempts: 10,
		MaxBacklog:  1500,
	}
}

// TestIngestConfig returns the ingestion limits used in tests
func TestIngestConfig() *IngestConfig {
	return DefaultIngestConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *IngestConfig) ValidateBasic() error {
	if cfg.TaskTimeout <= 0 {
		return errors.New("task_timeout must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("max_attempts must be positive")
	}
	if cfg.MaxBacklog < 0 {
		return errors.New("max_backlog can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "swarmsync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr is required when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
