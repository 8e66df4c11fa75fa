package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bamsammich/rfsync/internal/bootstrap"
	"github.com/bamsammich/rfsync/internal/config"
	"github.com/bamsammich/rfsync/internal/controller"
	"github.com/bamsammich/rfsync/internal/logging"
	"github.com/bamsammich/rfsync/internal/upstream"
)

var version = "dev"

// Process exit codes.
const (
	exitOK        = 0
	exitUsage     = 1
	exitBind      = 2
	exitNegotiate = 3
	exitManifest  = 4
	exitUpstream  = 5
)

func main() {
	os.Exit(run())
}

// serveOptions holds the flags shared by the root command and `serve`.
type serveOptions struct {
	host         string
	root         string
	skewDir      string
	exitFlag     string
	discovery    string
	logFile      string
	port         int
	portRange    int
	pingInterval time.Duration
	verbose      bool
	quiet        bool
	showVersion  bool
}

// portsFlag is a custom pflag.Value accepting FIRST or FIRST-LAST and
// setting both the starting port and the number of ports to try.
type portsFlag struct {
	port  *int
	count *int
}

func (f *portsFlag) String() string {
	if f.port == nil || *f.port == 0 {
		return ""
	}
	return fmt.Sprintf("%d-%d", *f.port, *f.port+*f.count-1)
}

func (*portsFlag) Type() string { return "range" }

func (f *portsFlag) Set(val string) error {
	first, last, hasLast := strings.Cut(val, "-")
	lo, err := strconv.Atoi(first)
	if err != nil || lo <= 0 || lo > 65535 {
		return fmt.Errorf("invalid port %q", first)
	}
	count := *f.count
	if hasLast {
		hi, err := strconv.Atoi(last)
		if err != nil || hi < lo || hi > 65535 {
			return fmt.Errorf("invalid port range %q", val)
		}
		count = hi - lo + 1
	}
	*f.port = lo
	*f.count = count
	return nil
}

func addServeFlags(fs *pflag.FlagSet, o *serveOptions) {
	fs.StringVar(&o.host, "host", "127.0.0.1", "address to listen on for shim connections")
	fs.IntVar(&o.port, "port", 0, "first port to try (0: any free port)")
	fs.IntVar(&o.portRange, "port-range", controller.DefaultPortRange, "number of consecutive ports to try")
	fs.Var(&portsFlag{port: &o.port, count: &o.portRange}, "ports", "port range to bind, FIRST or FIRST-LAST")
	fs.DurationVar(&o.pingInterval, "ping-interval", controller.DefaultPingInterval, "keep-alive interval on the upstream channel")
	fs.StringVar(&o.exitFlag, "exit-flag", "", "shut down cleanly once this file exists")
	fs.StringVar(&o.root, "root", "", "controlled project directory handed to the shim (default: working directory)")
	fs.StringVar(&o.skewDir, "skew-dir", "", "directory for the clock skew sample file (default: system temp dir)")
	fs.StringVar(&o.discovery, "discovery", config.DefaultDiscoveryPath(), "discovery file written while serving")
	fs.StringVar(&o.logFile, "log", "", "write structured JSON log to FILE (rotated)")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")
	fs.BoolVarP(&o.quiet, "quiet", "q", false, "suppress all output except warnings")
}

func run() int {
	var opts serveOptions

	rootCmd := &cobra.Command{
		Use:   "rfsync",
		Short: "Synchronization controller for remote builds",
		Long: `rfsync tracks which files of a remotely built project are up to date on
this host. It talks to the IDE side over stdin/stdout and answers the
interposition library (librfsync.so) loaded into build tools over TCP.

Without a subcommand rfsync runs the controller (same as 'rfsync serve').`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.showVersion {
				fmt.Fprintf(os.Stdout, "rfsync %s\n", version)
				return nil
			}
			return runServe(cmd, &opts)
		},
	}
	rootCmd.Flags().BoolVar(&opts.showVersion, "version", false, "print version and exit")
	addServeFlags(rootCmd.Flags(), &opts)

	serveCmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the controller",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, &opts)
		},
	}
	addServeFlags(serveCmd.Flags(), &opts)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(newDocsCmd())

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
			}
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	return exitOK
}

//nolint:revive // cyclomatic: bootstrap + bind + discovery + serve, in protocol order
func runServe(cmd *cobra.Command, opts *serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config: %v\n", err)
	}
	if err := applyConfigDefaults(cmd, cfg.Defaults, opts); err != nil {
		return err
	}
	if err := validatePorts(opts); err != nil {
		return err
	}

	logger, closer := logging.New(logging.Options{
		Console: os.Stderr,
		File:    opts.logFile,
		Level:   logging.LevelFor(opts.verbose, opts.quiet),
	})
	defer closer.Close()
	slog.SetDefault(logger)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		slog.Warn("stdin is a terminal, expecting the Local Controller protocol on it")
	}

	root := opts.root
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return err
		}
	}
	if root, err = filepath.Abs(root); err != nil {
		return err
	}

	ch := upstream.NewChannel(os.Stdin, os.Stdout)

	res, err := bootstrap.Run(ch, bootstrap.Config{SkewDir: opts.skewDir})
	if err != nil {
		return classify(err)
	}
	slog.Info("manifest loaded",
		"version", res.Version, "entries", res.Entries, "skew_ms", res.Skew, "digest", res.Digest)

	session := controller.NewSession(res.Registry, ch)
	session.Digest = res.Digest
	session.Version = res.Version
	session.Skew = res.Skew

	srv, err := controller.NewServer(controller.Config{
		ExitFlag:     opts.exitFlag,
		Host:         opts.host,
		Port:         opts.port,
		PortRange:    opts.portRange,
		PingInterval: opts.pingInterval,
	}, session)
	if err != nil {
		return classify(err)
	}

	if err := ch.Printf("PORT %d", srv.Port()); err != nil {
		srv.Close() //nolint:errcheck // already failing
		return classify(fmt.Errorf("%w: announce port: %w", controller.ErrUpstreamLost, err))
	}

	if opts.discovery != "" {
		if err := config.WriteDiscovery(opts.discovery, config.Discovery{
			Session: uuid.NewString(),
			Digest:  res.Digest,
			Host:    opts.host,
			Root:    root,
			Port:    srv.Port(),
			PID:     os.Getpid(),
			Version: res.Version,
			Skew:    res.Skew,
		}); err != nil {
			slog.Warn("failed to write discovery file", "path", opts.discovery, "error", err)
		} else {
			defer config.RemoveDiscovery(opts.discovery)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Serve(ctx)
	session.LogSummary()
	if err != nil {
		return classify(err)
	}
	return nil
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, d config.DefaultsConfig, o *serveOptions) error {
	changed := cmd.Flags().Changed
	if !changed("host") && d.Host != nil {
		o.host = *d.Host
	}
	if !changed("port") && !changed("ports") && d.Port != nil {
		o.port = *d.Port
	}
	if !changed("port-range") && !changed("ports") && d.PortRange != nil {
		o.portRange = *d.PortRange
	}
	if !changed("ping-interval") && d.PingInterval != nil {
		iv, err := time.ParseDuration(*d.PingInterval)
		if err != nil {
			return &exitError{code: exitUsage, err: fmt.Errorf("config ping_interval: %w", err)}
		}
		o.pingInterval = iv
	}
	if !changed("log") && d.Log != nil {
		o.logFile = *d.Log
	}
	if !changed("skew-dir") && d.SkewDir != nil {
		o.skewDir = *d.SkewDir
	}
	if !changed("verbose") && d.Verbose != nil {
		o.verbose = *d.Verbose
	}
	return nil
}

// validatePorts rejects --port and --port-range values that cannot name a
// TCP port, whether they came from flags or the config file.
func validatePorts(o *serveOptions) error {
	if o.port < 0 || o.port > 65535 {
		return &exitError{code: exitUsage, err: fmt.Errorf("invalid port %d", o.port)}
	}
	if o.portRange < 1 {
		return &exitError{code: exitUsage, err: fmt.Errorf("invalid port range %d", o.portRange)}
	}
	return nil
}

// classify logs err and wraps it with the exit code its kind maps to.
func classify(err error) error {
	code := exitCode(err)
	slog.Error("controller stopped", "error", err, "exit_code", code)
	return &exitError{code: code}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, controller.ErrBind):
		return exitBind
	case errors.Is(err, bootstrap.ErrNegotiation):
		return exitNegotiate
	case errors.Is(err, bootstrap.ErrManifest):
		return exitManifest
	case errors.Is(err, controller.ErrUpstreamLost):
		return exitUpstream
	default:
		return exitUsage
	}
}

type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}
