package bootstrap

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/rfsync/internal/platform"
	"github.com/bamsammich/rfsync/internal/registry"
)

// Entry is one parsed manifest line.
type Entry struct {
	ModTime time.Time // zero when the line carries no timestamp
	Path    string
	Target  string // symbolic links only
	Size    int64
	State   registry.State
}

// ParseEntry parses a manifest line for the given protocol version.
//
// Grammar:
//
//	d <path>                                  directory
//	l <path>\t<target>                        symbolic link
//	<state> <size> <path>                     plain file, version 1
//	<state> <size> <seconds> <millis> <path>  plain file, version >= 2
func ParseEntry(line string, version int) (Entry, error) {
	if len(line) < 3 || line[1] != ' ' {
		return Entry{}, fmt.Errorf("malformed manifest line %q", line)
	}
	state, ok := registry.ParseCode(line[0])
	if !ok {
		return Entry{}, fmt.Errorf("unknown state %q in manifest line %q", line[0], line)
	}
	rest := line[2:]

	switch state {
	case registry.Directory:
		return Entry{State: state, Path: rest}, nil
	case registry.Link:
		path, target, found := strings.Cut(rest, "\t")
		if !found || path == "" || target == "" {
			return Entry{}, fmt.Errorf("malformed link line %q", line)
		}
		return Entry{State: state, Path: path, Target: target}, nil
	}

	fields := 2
	if version >= 2 {
		fields = 4
	}
	parts := strings.SplitN(rest, " ", fields)
	if len(parts) != fields || parts[fields-1] == "" {
		return Entry{}, fmt.Errorf("malformed file line %q", line)
	}

	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || size < 0 {
		return Entry{}, fmt.Errorf("bad size in %q", line)
	}
	e := Entry{State: state, Size: size, Path: parts[fields-1]}

	if version >= 2 {
		sec, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("bad seconds in %q", line)
		}
		ms, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || ms < 0 || ms > 999 {
			return Entry{}, fmt.Errorf("bad millis in %q", line)
		}
		e.ModTime = time.UnixMilli(sec*1000 + ms)
	}
	return e, nil
}

// needsPlaceholder reports whether a plain file in state s is created
// locally before the build.
func needsPlaceholder(s registry.State) bool {
	switch s {
	case registry.Initial, registry.Touched, registry.Pending:
		return true
	default:
		return false
	}
}

// Materialize creates whatever e describes on disk and returns the
// canonical path it is registered under. skew (milliseconds) is added to
// the manifest timestamp before it is applied.
func Materialize(e Entry, skew int64) (string, error) {
	switch {
	case e.State == registry.Directory:
		if err := platform.EnsureDir(e.Path); err != nil {
			return "", err
		}
		return platform.Canonical(e.Path)

	case e.State == registry.Link:
		if err := platform.ReplaceSymlink(e.Target, e.Path); err != nil {
			return "", err
		}
		return platform.CanonicalLink(e.Path)

	case needsPlaceholder(e.State):
		p := platform.Placeholder{Path: e.Path, Size: e.Size}
		if !e.ModTime.IsZero() {
			p.ModTime = e.ModTime.Add(time.Duration(skew) * time.Millisecond)
		}
		if err := platform.CreatePlaceholder(p); err != nil {
			return "", err
		}
		return platform.Canonical(e.Path)

	default:
		// Resolved states keep their content; only the parent must exist.
		if err := platform.EnsureDir(filepath.Dir(e.Path)); err != nil {
			return "", err
		}
		return platform.CanonicalMissing(e.Path)
	}
}
