package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Nycz-lab/CipherChat/pkg/client/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config is written")

	assert.Equal(t, "info", config.Client.LogLevel)
	assert.Equal(t, store.BackendSQLite, config.Storage.Backend)
	assert.Equal(t, filepath.Join(home, ".local/share/cipherchat/state.db"), config.Client.StatePath)
	assert.Equal(t, filepath.Join(home, ".local/share/cipherchat/attachments"), config.Client.AttachmentsDir)
	assert.Empty(t, config.Metrics.ListenAddr)

	// the written file parses back to the same settings
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, again)
}

func TestLoadConfigPartialFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[client]
default_server = "wss://chat.example.com"
state_path = "/var/lib/cipherchat/state.db"

[storage]
backend = "redis"
`), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com", config.Client.DefaultServer)
	assert.Equal(t, "/var/lib/cipherchat/state.db", config.Client.StatePath)
	assert.Equal(t, "info", config.Client.LogLevel, "missing keys keep their defaults")

	opts := config.StoreOptions()
	assert.Equal(t, store.BackendRedis, opts.Backend)
	assert.Equal(t, "redis://localhost:6379/0", opts.RedisURL)
	assert.Equal(t, "/var/lib/cipherchat/state.db", opts.Path)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CIPHERCHAT_CLIENT_LOG_LEVEL", "debug")
	t.Setenv("CIPHERCHAT_CLIENT_ROOT_CA", "~/ca.pem")
	t.Setenv("CIPHERCHAT_STORAGE_BACKEND", "memory")
	t.Setenv("CIPHERCHAT_METRICS_LISTEN_ADDR", "127.0.0.1:9464")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, "debug", config.Client.LogLevel)
	assert.Equal(t, filepath.Join(home, "ca.pem"), config.Client.RootCA)
	assert.Equal(t, "memory", config.Storage.Backend)
	assert.Equal(t, "127.0.0.1:9464", config.Metrics.ListenAddr)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[client\nlog_level = "), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/a/b", filepath.Join(home, "a/b")},
		{"/abs", "/abs"},
		{"rel/~", "rel/~"},
		{"~user/x", "~user/x"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := expandHome(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
