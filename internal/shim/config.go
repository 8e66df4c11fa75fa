// Package shim is the Go side of the interposition library loaded into
// build-tool processes. It decides, per file open, whether the call may
// proceed and tells the controller about files written on this host.
//
// Everything here runs inline on the intercepting thread. Nothing starts
// goroutines, and every failure to reach the controller lets the call
// through.
package shim

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvRoot  = "RFSYNC_ROOT"
	EnvHost  = "RFSYNC_HOST"
	EnvPort  = "RFSYNC_PORT"
	EnvDelay = "RFSYNC_DELAY"
	EnvLog   = "RFSYNC_LOG"
)

// DefaultHost is used when RFSYNC_HOST is unset.
const DefaultHost = "127.0.0.1"

// ErrNotConfigured means the root or port variable is missing. The shim
// stays inert in that case.
var ErrNotConfigured = errors.New("shim not configured")

// Config is the shim's view of its environment.
type Config struct {
	Root    string
	Host    string
	LogFile string
	Port    int
	Delay   time.Duration
}

// ConfigFromEnv reads the shim variables through getenv.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Root:    getenv(EnvRoot),
		Host:    getenv(EnvHost),
		LogFile: getenv(EnvLog),
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	port := getenv(EnvPort)
	if cfg.Root == "" || port == "" {
		return cfg, ErrNotConfigured
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return cfg, fmt.Errorf("%s=%q: invalid port", EnvPort, port)
	}
	cfg.Port = p

	if d := getenv(EnvDelay); d != "" {
		secs, err := strconv.Atoi(d)
		if err != nil || secs < 0 {
			return cfg, fmt.Errorf("%s=%q: invalid delay", EnvDelay, d)
		}
		cfg.Delay = time.Duration(secs) * time.Second
	}
	return cfg, nil
}

// Environ returns the variables that reproduce cfg, in KEY=VALUE form.
func (c Config) Environ() []string {
	env := []string{
		EnvRoot + "=" + c.Root,
		EnvHost + "=" + c.Host,
		EnvPort + "=" + strconv.Itoa(c.Port),
	}
	if c.LogFile != "" {
		env = append(env, EnvLog+"="+c.LogFile)
	}
	if c.Delay > 0 {
		env = append(env, EnvDelay+"="+strconv.Itoa(int(c.Delay/time.Second)))
	}
	return env
}
