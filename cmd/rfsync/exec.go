package main

import (
	"context"
	"errors"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/rfsync/internal/launch"
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run a build command under the shim",
	Long: `Run a command with librfsync.so preloaded and pointed at the running
controller. The command's exit status is passed through.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runExec,
}

func init() {
	addLaunchFlags(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	o, err := launchOptions(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	child, err := launch.Command(ctx, o, args)
	if err != nil {
		return err
	}
	err = child.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
		return &exitError{code: code}
	}
	return err
}
