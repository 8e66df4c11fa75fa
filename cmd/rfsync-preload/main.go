//go:build linux

// Command rfsync-preload builds librfsync.so, the interposition library
// injected into build tools with LD_PRELOAD:
//
//	go build -buildmode=c-shared -o librfsync.so ./cmd/rfsync-preload
//
// preload.c overrides the libc entry points and calls the exported hooks
// below. All decisions are made by internal/shim.
package main

/*
#cgo LDFLAGS: -ldl
*/
import "C"

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/rfsync/internal/logging"
	"github.com/bamsammich/rfsync/internal/shim"
)

const atFDCWD = unix.AT_FDCWD

// The C side needs a process-wide entry point, so the gate lives here and
// nowhere else.
var (
	gateOnce sync.Once
	gate     *shim.Gate
)

// loadGate builds the gate on first use. It stays nil when the environment
// does not configure the shim, which turns every hook into a pass-through.
func loadGate() *shim.Gate {
	gateOnce.Do(func() {
		cfg, err := shim.ConfigFromEnv(os.Getenv)
		if err != nil {
			if !errors.Is(err, shim.ErrNotConfigured) {
				fmt.Fprintf(os.Stderr, "rfsync: shim disabled: %v\n", err)
			}
			return
		}
		if cfg.Delay > 0 {
			fmt.Fprintf(os.Stderr, "rfsync: pid %d waiting %s\n", os.Getpid(), cfg.Delay)
			time.Sleep(cfg.Delay)
		}

		// Build processes share RFSYNC_LOG, so it is appended to and never
		// rotated from here.
		var out io.Writer = os.Stderr
		if cfg.LogFile != "" {
			f, err := logging.OpenAppend(cfg.LogFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "rfsync: %v\n", err)
			} else {
				out = f
			}
		}
		logger, _ := logging.New(logging.Options{Console: out, Level: slog.LevelWarn})
		gate = shim.NewGate(cfg, logger.With("pid", os.Getpid()))
	})
	return gate
}

func boolInt(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

//export rfsPreOpen
func rfsPreOpen(dirfd C.int, path *C.char, flags C.int) C.int {
	g := loadGate()
	if g == nil {
		return 1
	}
	return boolInt(g.PreOpen(int(dirfd), C.GoString(path), shim.FromOpenFlags(int(flags))))
}

//export rfsPostOpen
func rfsPostOpen(dirfd C.int, path *C.char, flags C.int) {
	if g := loadGate(); g != nil {
		g.PostOpen(int(dirfd), C.GoString(path), shim.FromOpenFlags(int(flags)))
	}
}

//export rfsPreFopen
func rfsPreFopen(path, mode *C.char) C.int {
	g := loadGate()
	if g == nil {
		return 1
	}
	return boolInt(g.PreOpen(atFDCWD, C.GoString(path), shim.FromFopenMode(C.GoString(mode))))
}

//export rfsPostFopen
func rfsPostFopen(path, mode *C.char) {
	if g := loadGate(); g != nil {
		g.PostOpen(atFDCWD, C.GoString(path), shim.FromFopenMode(C.GoString(mode)))
	}
}

//export rfsThreadDone
func rfsThreadDone() {
	if g := loadGate(); g != nil {
		g.ThreadDone()
	}
}

func main() {}
