package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cell0.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullFile(t *testing.T) {
	path := writeFile(t, `
[node]
id = "node-a"
data_dir = "/var/lib/cell0"

[gateway]
host = "0.0.0.0"
port = 9000

[monitor]
addr = ":9001"

[auth]
secret = "0123456789abcdef"

[raft]
enabled = true
peers = ["node-a", "node-b", "node-c"]

[nats]
url = "nats://127.0.0.1:4222"
embed = true

[distributor]
algorithm = "least_loaded"

[storage]
backend = "bolt"

[log]
level = "debug"
`)

	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", f.Node.ID)
	assert.Equal(t, "/var/lib/cell0", f.Node.DataDir)
	assert.Equal(t, "0.0.0.0", f.Gateway.Host)
	assert.Equal(t, 9000, f.Gateway.Port)
	assert.Equal(t, ":9001", f.Monitor.Addr)
	assert.Equal(t, "0123456789abcdef", f.Auth.Secret)
	assert.True(t, f.Raft.Enabled)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, f.Raft.Peers)
	assert.Equal(t, "nats://127.0.0.1:4222", f.NATS.URL)
	assert.True(t, f.NATS.Embed)
	assert.Equal(t, "least_loaded", f.Distributor.Algorithm)
	assert.Equal(t, "bolt", f.Storage.Backend)
	assert.Equal(t, "debug", f.Log.Level)
}

func TestLoadPartialFileLeavesZeroValues(t *testing.T) {
	path := writeFile(t, `
[node]
id = "node-b"
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-b", f.Node.ID)
	assert.Empty(t, f.Gateway.Host)
	assert.Zero(t, f.Gateway.Port)
	assert.False(t, f.Raft.Enabled)
	assert.Empty(t, f.Storage.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read")
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeFile(t, "[node\nid = ")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeFile(t, `
[gateway]
port = 70000
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *File)
		wantErr string
	}{
		{"zero value passes", func(f *File) {}, ""},
		{"negative port", func(f *File) { f.Gateway.Port = -1 }, "out of range"},
		{"port too large", func(f *File) { f.Gateway.Port = 70000 }, "out of range"},
		{"unknown backend", func(f *File) { f.Storage.Backend = "sqlite" }, "storage.backend"},
		{"redis needs addr", func(f *File) { f.Storage.Backend = "redis" }, "redis_addr"},
		{"redis with addr", func(f *File) {
			f.Storage.Backend = "redis"
			f.Storage.RedisAddr = "127.0.0.1:6379"
		}, ""},
		{"bad log level", func(f *File) { f.Log.Level = "verbose" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f File
			tt.mutate(&f)

			err := f.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
