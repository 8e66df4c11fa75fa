// Package platform creates the placeholder entries described by a build
// manifest and resolves paths to their canonical form.
package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// DirPerm is the mode used for directories created from a manifest.
const DirPerm = 0o755

// FilePerm is the mode used for new placeholder files.
const FilePerm = 0o644

// Placeholder describes a plain file that must exist with a given size
// before the build starts. A zero ModTime leaves the mtime untouched.
type Placeholder struct {
	ModTime time.Time
	Path    string
	Size    int64
}

// CreatePlaceholder makes sure p.Path exists with exactly p.Size bytes.
// Existing files with the right size keep their content; new or mis-sized
// files are truncated (sparse) to p.Size.
//
//nolint:gosec // G115: fd values are small non-negative integers
func CreatePlaceholder(p Placeholder) error {
	if p.Size < 0 {
		return fmt.Errorf("placeholder %s: negative size %d", p.Path, p.Size)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), DirPerm); err != nil {
		return fmt.Errorf("create parent of %s: %w", p.Path, err)
	}

	f, err := os.OpenFile(p.Path, os.O_WRONLY|os.O_CREATE, FilePerm)
	if err != nil {
		return fmt.Errorf("open placeholder %s: %w", p.Path, err)
	}
	defer f.Close()

	fd := int(f.Fd())
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("fstat %s: %w", p.Path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("placeholder %s: not a regular file", p.Path)
	}
	if st.Size != p.Size {
		if err := unix.Ftruncate(fd, p.Size); err != nil {
			return fmt.Errorf("truncate %s to %d: %w", p.Path, p.Size, err)
		}
	}

	if !p.ModTime.IsZero() {
		times := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			unix.NsecToTimespec(p.ModTime.UnixNano()),
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, p.Path, times, 0); err != nil {
			return fmt.Errorf("utimensat %s: %w", p.Path, err)
		}
	}
	return nil
}

// EnsureDir creates path and its parents.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, DirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// ReplaceSymlink creates a symbolic link at path pointing to target,
// removing whatever was there before.
func ReplaceSymlink(target, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), DirPerm); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	if cur, err := os.Readlink(path); err == nil && cur == target {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", path, target, err)
	}
	return nil
}

// Canonical returns the absolute, symlink-free form of an existing path.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// CanonicalLink canonicalizes the parent directory of path but keeps the
// final element, so a symbolic link is named by itself rather than by its
// target.
func CanonicalLink(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// CanonicalMissing canonicalizes path even when its trailing elements do
// not exist yet: the deepest existing ancestor is resolved and the rest is
// appended verbatim.
func CanonicalMissing(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	var tail []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

// SampleSkew measures the offset between the filesystem clock and the
// wall clock in dir: the wall clock is sampled, a uniquely named file is
// created and removed, and the result is file mtime minus wall clock,
// in milliseconds.
//
//nolint:gosec // G115: fd values are small non-negative integers
func SampleSkew(dir string) (int64, error) {
	name := filepath.Join(dir, ".rfsync-skew-"+uuid.New().String()[:8])

	wall := time.Now().UnixMilli()
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FilePerm)
	if err != nil {
		return 0, fmt.Errorf("create skew sample: %w", err)
	}
	defer os.Remove(name) //nolint:errcheck // best-effort cleanup of the sample

	var st unix.Stat_t
	statErr := unix.Fstat(int(f.Fd()), &st)
	f.Close()
	if statErr != nil {
		return 0, fmt.Errorf("fstat skew sample: %w", statErr)
	}
	return mtimeFromStat(&st).UnixMilli() - wall, nil
}
