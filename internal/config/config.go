// Package config loads the optional TOML configuration file for the
// daemon. The file carries cluster topology (node id, peer list, NATS
// URL) and overrides for listen addresses and tuning knobs. Precedence
// is resolved by the CLI layer: explicit flags win over file values,
// file values win over environment defaults.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// File is the full config file schema. Zero values mean "not set";
// the CLI layer only applies fields the operator actually wrote.
type File struct {
	Node        Node        `toml:"node"`
	Gateway     Gateway     `toml:"gateway"`
	Monitor     Monitor     `toml:"monitor"`
	Auth        Auth        `toml:"auth"`
	Raft        Raft        `toml:"raft"`
	NATS        NATS        `toml:"nats"`
	Distributor Distributor `toml:"distributor"`
	Storage     Storage     `toml:"storage"`
	Log         Log         `toml:"log"`
}

// Node identifies this member of the cluster.
type Node struct {
	ID      string `toml:"id"`
	DataDir string `toml:"data_dir"`
}

// Gateway overrides the WebSocket listener.
type Gateway struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Monitor overrides the monitoring/admin HTTP listener.
type Monitor struct {
	Addr string `toml:"addr"`
}

// Auth carries the operator JWT secret. Prefer CELL0_AUTH_SECRET over
// writing the secret into a file.
type Auth struct {
	Secret string `toml:"secret"`
}

// Raft describes the consensus group this node joins.
type Raft struct {
	Enabled bool     `toml:"enabled"`
	Peers   []string `toml:"peers"`
}

// NATS locates the broker carrying Raft peer traffic.
type NATS struct {
	URL   string `toml:"url"`
	Embed bool   `toml:"embed"`
}

// Distributor selects the balancing algorithm.
type Distributor struct {
	Algorithm string `toml:"algorithm"`
}

// Storage selects the key/value backend for Raft persistence.
type Storage struct {
	Backend   string `toml:"backend"` // bolt, memory, or redis
	RedisAddr string `toml:"redis_addr"`
}

// Log overrides the log level.
type Log struct {
	Level string `toml:"level"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

// Validate rejects values no component would accept.
func (f *File) Validate() error {
	if f.Gateway.Port < 0 || f.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", f.Gateway.Port)
	}
	switch f.Storage.Backend {
	case "", "bolt", "memory", "redis":
	default:
		return fmt.Errorf("storage.backend %q not one of bolt, memory, redis", f.Storage.Backend)
	}
	if f.Storage.Backend == "redis" && f.Storage.RedisAddr == "" {
		return fmt.Errorf("storage.backend redis requires storage.redis_addr")
	}
	switch f.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q not one of debug, info, warn, error", f.Log.Level)
	}
	return nil
}
