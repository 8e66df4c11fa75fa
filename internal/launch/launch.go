// Package launch starts build commands with the interposition library
// preloaded and pointed at a running controller.
package launch

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/bamsammich/rfsync/internal/config"
	"github.com/bamsammich/rfsync/internal/shim"
)

// PreloadVar is the dynamic loader variable the library is injected with.
const PreloadVar = "LD_PRELOAD"

// ErrNoCommand is returned by Command when args is empty.
var ErrNoCommand = errors.New("no command given")

// Options describe how a build command is wired to the controller.
type Options struct {
	// Library is the path of librfsync.so. Empty leaves LD_PRELOAD alone.
	Library string
	// Root overrides the controlled directory recorded in the discovery file.
	Root    string
	LogFile string
	Disc    config.Discovery
	// Delay is RFSYNC_DELAY in seconds.
	Delay int
}

// ShimConfig returns the shim configuration for o.
func (o Options) ShimConfig() shim.Config {
	root := o.Root
	if root == "" {
		root = o.Disc.Root
	}
	host := o.Disc.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = shim.DefaultHost
	}
	cfg := shim.Config{
		Root:    root,
		Host:    host,
		Port:    o.Disc.Port,
		LogFile: o.LogFile,
	}
	if o.Delay > 0 {
		cfg.Delay = time.Duration(o.Delay) * time.Second
	}
	return cfg
}

// Env returns base with the shim variables set and the library prepended
// to any existing LD_PRELOAD. Earlier definitions of the same variables are
// dropped.
func Env(base []string, o Options) []string {
	set := o.ShimConfig().Environ()
	if o.Library != "" {
		preload := o.Library
		if prev := lookup(base, PreloadVar); prev != "" {
			preload += " " + prev
		}
		set = append(set, PreloadVar+"="+preload)
	}

	drop := make(map[string]bool, len(set))
	for _, kv := range set {
		k, _, _ := strings.Cut(kv, "=")
		drop[k] = true
	}
	// The shim reads RFSYNC_DELAY and RFSYNC_LOG only when present.
	drop[shim.EnvDelay] = true
	drop[shim.EnvLog] = true

	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if !drop[k] {
			env = append(env, kv)
		}
	}
	return append(env, set...)
}

// Command prepares args to run under the shim. The child gets SIGTERM if
// the launching process dies.
func Command(ctx context.Context, o Options, args []string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, ErrNoCommand
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // running the user's build is the point
	cmd.Env = Env(os.Environ(), o)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	setPdeathsig(cmd.SysProcAttr)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	return cmd, nil
}

func lookup(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}
