package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Discovery is written by a running controller so that build wrappers on
// the same host can point the shim at it (see `rfsync env`).
type Discovery struct {
	Session string `toml:"session"`
	Digest  string `toml:"manifest_digest"`
	Host    string `toml:"host"`
	Root    string `toml:"root,omitempty"`
	Port    int    `toml:"port"`
	PID     int    `toml:"pid"`
	Version int    `toml:"version"`
	Skew    int64  `toml:"skew_ms"`
}

// DefaultDiscoveryPath returns $XDG_RUNTIME_DIR/rfsync/controller.toml,
// falling back to the system temp directory.
func DefaultDiscoveryPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "rfsync", "controller.toml")
}

// WriteDiscovery writes d to path with owner-only permissions, creating the
// parent directory if needed. The file is replaced atomically.
func WriteDiscovery(path string, d Discovery) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create discovery dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return fmt.Errorf("encode discovery: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	return nil
}

// ReadDiscovery reads the discovery file. Returns os.ErrNotExist if the file
// does not exist.
func ReadDiscovery(path string) (Discovery, error) {
	var d Discovery
	_, err := toml.DecodeFile(path, &d)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Discovery{}, os.ErrNotExist
		}
		return Discovery{}, err
	}
	if d.Port <= 0 {
		return Discovery{}, fmt.Errorf("discovery file %s: missing port", path)
	}
	return d, nil
}

// RemoveDiscovery removes the discovery file (best-effort).
func RemoveDiscovery(path string) {
	os.Remove(path) //nolint:errcheck // best-effort cleanup on shutdown
}
