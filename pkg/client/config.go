package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Nycz-lab/CipherChat/pkg/client/store"
)

// DefaultConfigPath is where the CLI looks for its config file.
const DefaultConfigPath = "~/.config/cipherchat/config.toml"

// Config represents the structure of the client config file
type Config struct {
	Client  ClientSection  `toml:"client"`
	Storage StorageSection `toml:"storage"`
	Metrics MetricsSection `toml:"metrics"`
}

type ClientSection struct {
	StatePath      string `toml:"state_path"`
	AttachmentsDir string `toml:"attachments_dir"`
	DefaultServer  string `toml:"default_server"`
	RootCA         string `toml:"root_ca"`
	LogLevel       string `toml:"log_level"`
}

type StorageSection struct {
	Backend  string `toml:"backend"`
	RedisURL string `toml:"redis_url"`
}

type MetricsSection struct {
	ListenAddr string `toml:"listen_addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Client: ClientSection{
			StatePath:      "~/.local/share/cipherchat/state.db",
			AttachmentsDir: "~/.local/share/cipherchat/attachments",
			DefaultServer:  "",
			RootCA:         "",
			LogLevel:       "info",
		},
		Storage: StorageSection{
			Backend:  store.BackendSQLite,
			RedisURL: "redis://localhost:6379/0",
		},
		Metrics: MetricsSection{
			ListenAddr: "", // disabled
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one if
// not found, and applies environment variable overrides. Keys missing from
// the file keep their defaults. Paths in the result have ~ expanded.
func LoadConfig(path string) (Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just run with defaults
		_ = writeDefaultConfig(path)
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	config = applyEnvOverrides(config)

	for _, p := range []*string{&config.Client.StatePath, &config.Client.AttachmentsDir, &config.Client.RootCA} {
		if *p, err = expandHome(*p); err != nil {
			return Config{}, err
		}
	}
	return config, nil
}

// StoreOptions converts the storage settings for store.Open.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Backend:  c.Storage.Backend,
		Path:     c.Client.StatePath,
		RedisURL: c.Storage.RedisURL,
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/")), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CIPHERCHAT_SECTION_KEY
// Example: CIPHERCHAT_CLIENT_LOG_LEVEL=debug
func applyEnvOverrides(config Config) Config {
	overrides := []struct {
		env    string
		target *string
	}{
		{"CIPHERCHAT_CLIENT_STATE_PATH", &config.Client.StatePath},
		{"CIPHERCHAT_CLIENT_ATTACHMENTS_DIR", &config.Client.AttachmentsDir},
		{"CIPHERCHAT_CLIENT_DEFAULT_SERVER", &config.Client.DefaultServer},
		{"CIPHERCHAT_CLIENT_ROOT_CA", &config.Client.RootCA},
		{"CIPHERCHAT_CLIENT_LOG_LEVEL", &config.Client.LogLevel},
		{"CIPHERCHAT_STORAGE_BACKEND", &config.Storage.Backend},
		{"CIPHERCHAT_STORAGE_REDIS_URL", &config.Storage.RedisURL},
		{"CIPHERCHAT_METRICS_LISTEN_ADDR", &config.Metrics.ListenAddr},
	}

	for _, o := range overrides {
		if val := os.Getenv(o.env); val != "" {
			*o.target = val
		}
	}
	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# CipherChat Client Configuration
# This file was auto-generated with default values
#
# Environment variables can override these settings:
# CIPHERCHAT_SECTION_KEY (e.g., CIPHERCHAT_CLIENT_LOG_LEVEL=debug)

[client]
# Local database holding message history and the credential index
state_path = "~/.local/share/cipherchat/state.db"

# Directory where received and sent attachments are stored
attachments_dir = "~/.local/share/cipherchat/attachments"

# Server to connect to when /connect is given no address
# Uncomment and set your homeserver:
# default_server = "wss://chat.example.com"

# PEM file trusted for wss:// instead of the system roots
# root_ca = "~/.config/cipherchat/rootCA.crt"

# debug, info, warn or error
log_level = "info"

[storage]
# sqlite (default), redis or memory
backend = "sqlite"

# Used when backend = "redis"
redis_url = "redis://localhost:6379/0"

[metrics]
# Serve prometheus metrics on this address (empty = disabled)
# listen_addr = "127.0.0.1:9464"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
