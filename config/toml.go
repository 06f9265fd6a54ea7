package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/creachadair/atomicfile"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and writes a default config file if none is present.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("could not create directory %q: %w", dir, err)
		}
	}
	return writeDefaultConfigFileIfNone(rootDir)
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath. This function is called by cmd/swarmsync/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return atomicfile.WriteData(path, buffer.Bytes(), 0644)
}

// ConfigFile returns the full path to the config.toml file of rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	if _, err := os.Stat(ConfigFile(rootDir)); os.IsNotExist(err) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/swarmsync/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.swarmsync" by default, but could be changed via $SSHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging: debug | info | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

# Path to the JSON file containing the account keys
account_key_file = "{{ js .BaseConfig.AccountKey }}"

# Account identifier to poll. Derived from the account key when empty.
account_id = "{{ .BaseConfig.AccountID }}"

# Path to the TOML file listing the groups the account follows
groups_file = "{{ js .BaseConfig.Groups }}"

# How often expired seen hashes and resume cursors are pruned
prune_interval = "{{ .BaseConfig.PruneInterval }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###           Network Configuration Options         ###
#######################################################
[network]

# Comma separated list of seed endpoints, each optionally suffixed
# with "@weight" to bias the random choice between them
seed_nodes = "{{ .Network.SeedNodes }}"

# Timeout for a single batched request to a storage node
request_timeout = "{{ .Network.RequestTimeout }}"

# Timeout for a single seed bootstrap request
seed_timeout = "{{ .Network.SeedTimeout }}"

# Number of verified entry guards to maintain
guard_count = {{ .Network.GuardCount }}

# Accept the self-signed certificates presented by storage nodes
insecure_skip_verify = {{ .Network.InsecureSkipVerify }}

#######################################################
###            Poller Configuration Options         ###
#######################################################
[poller]

# Interval for groups active in the last two days, and the loop period
active_interval = "{{ .Poller.ActiveInterval }}"

# Interval for groups active in the last seven days
medium_interval = "{{ .Poller.MediumInterval }}"

# Interval for all other groups
inactive_interval = "{{ .Poller.InactiveInterval }}"

# A group poll returning at least this many messages is polled again
# on the next cycle
page_ceiling = {{ .Poller.PageCeiling }}

#######################################################
###            Ingest Configuration Options         ###
#######################################################
[ingest]

# Time a single envelope may spend being handled
task_timeout = "{{ .Ingest.TaskTimeout }}"

# Reloads after which a failing envelope is dropped
max_attempts = {{ .Ingest.MaxAttempts }}

# A backlog larger than this is discarded instead of replayed
max_backlog = {{ .Ingest.MaxBacklog }}

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh test home under dir and returns a test
// configuration rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s-", testName))
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}
	cfg := TestConfig().SetRoot(rootDir)
	if err := WriteConfigFile(rootDir, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
