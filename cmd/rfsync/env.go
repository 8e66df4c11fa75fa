package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bamsammich/rfsync/internal/config"
	"github.com/bamsammich/rfsync/internal/launch"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print shell exports that point the shim at a running controller",
	Long: `Read the discovery file of a running controller and print the environment
the interposition library needs, ready for eval:

  eval "$(rfsync env --preload /opt/rfsync/librfsync.so)"
  make -j16`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runEnv,
}

func init() {
	addLaunchFlags(envCmd)
}

// addLaunchFlags registers the flags shared by env and exec.
func addLaunchFlags(cmd *cobra.Command) {
	cmd.Flags().String("discovery", config.DefaultDiscoveryPath(), "discovery file of the running controller")
	cmd.Flags().String("preload", "", "path of librfsync.so to add to LD_PRELOAD")
	cmd.Flags().String("root", "", "override the controlled directory")
	cmd.Flags().String("shim-log", "", "log file for the shim (RFSYNC_LOG)")
	cmd.Flags().Int("delay", 0, "seconds the shim sleeps at load (RFSYNC_DELAY, for attaching a debugger)")
}

func launchOptions(cmd *cobra.Command) (launch.Options, error) {
	discPath, _ := cmd.Flags().GetString("discovery") //nolint:errcheck // flag name is hardcoded
	library, _ := cmd.Flags().GetString("preload")    //nolint:errcheck // flag name is hardcoded
	root, _ := cmd.Flags().GetString("root")          //nolint:errcheck // flag name is hardcoded
	logFile, _ := cmd.Flags().GetString("shim-log")   //nolint:errcheck // flag name is hardcoded
	delay, _ := cmd.Flags().GetInt("delay")           //nolint:errcheck // flag name is hardcoded

	d, err := config.ReadDiscovery(discPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return launch.Options{}, fmt.Errorf("no controller running (%s not found)", discPath)
		}
		return launch.Options{}, err
	}
	return launch.Options{
		Library: library,
		Root:    root,
		LogFile: logFile,
		Delay:   delay,
		Disc:    d,
	}, nil
}

func runEnv(cmd *cobra.Command, _ []string) error {
	o, err := launchOptions(cmd)
	if err != nil {
		return err
	}
	return writeExports(cmd.OutOrStdout(), launch.Env(nil, o))
}

func writeExports(w io.Writer, env []string) error {
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if _, err := fmt.Fprintf(w, "export %s=%s\n", k, shellQuote(v)); err != nil {
			return err
		}
	}
	return nil
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	default:
		return !strings.ContainsRune("/._-:+,=@", r)
	}
}
