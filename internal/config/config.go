// Package config handles loading and validating the daemon's
// configuration from a peer.json file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// PeerConfig names a remote peer this daemon dials over the mesh
// transport.
type PeerConfig struct {
	// ID is the peer's identifier, as used in Transport.AddPeer.
	ID string `json:"id"`
	// URL is the peer's base WebSocket URL (ws:// or wss://), passed to
	// Transport.AddPeer as is.
	URL string `json:"url"`
}

// Config holds all configuration loaded from peer.json. The file is
// read once at startup; changes require a restart.
type Config struct {
	// SelfID is this daemon's own peer identifier.
	SelfID string `json:"selfId"`

	// ListenAddr is the HTTP listen address (default ":4000").
	ListenAddr string `json:"listenAddr"`

	// LogID is the oplog's address / pubsub topic name.
	LogID string `json:"logId"`

	// Dialect selects the wire format: "v1" or "v2" (default "v2").
	Dialect string `json:"dialect"`

	// SigningKey is a multibase-encoded secp256k1 private key. If
	// empty, a fresh identity is generated at startup (local-only).
	SigningKey string `json:"signingKey,omitempty"`

	// Peers lists the remote peers to dial over the mesh transport.
	Peers []PeerConfig `json:"peers"`

	// DBConn is an optional PostgreSQL connection URI. When set, the
	// daemon persists the oplog to Postgres instead of memory.
	DBConn string `json:"dbConn,omitempty"`
}

// Load reads and parses configuration from the given file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":4000"
	}
	if cfg.Dialect == "" {
		cfg.Dialect = "v2"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	switch {
	case c.SelfID == "":
		return fmt.Errorf("config: selfId is required")
	case c.LogID == "":
		return fmt.Errorf("config: logId is required")
	case c.Dialect != "v1" && c.Dialect != "v2":
		return fmt.Errorf("config: dialect must be %q or %q, got %q", "v1", "v2", c.Dialect)
	}
	for _, p := range c.Peers {
		if p.ID == "" || p.URL == "" {
			return fmt.Errorf("config: peers entries require both id and url")
		}
	}
	return nil
}
