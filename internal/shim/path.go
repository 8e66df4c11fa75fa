package shim

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/rfsync/internal/platform"
)

var errEmptyPath = errors.New("empty path")

// resolve turns the path argument of an open-like call into a canonical
// absolute path. Relative paths are taken from dirfd, which is AT_FDCWD for
// the plain open family. The file itself need not exist yet.
func resolve(dirfd int, path string) (string, error) {
	if path == "" {
		return "", errEmptyPath
	}
	if !filepath.IsAbs(path) {
		base, err := dirPath(dirfd)
		if err != nil {
			return "", err
		}
		path = filepath.Join(base, path)
	}
	return platform.CanonicalMissing(path)
}

func dirPath(dirfd int) (string, error) {
	if dirfd == unix.AT_FDCWD {
		return os.Getwd()
	}
	return os.Readlink("/proc/self/fd/" + strconv.Itoa(dirfd))
}

// within reports whether canonical path p lies under canonical root.
func within(root, p string) bool {
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// isDir reports whether p names an existing directory. Directories carry no
// content to synchronize, so opening one (opendir, O_DIRECTORY, a dirfd for
// openat) is never gated.
func isDir(p string) bool {
	var st unix.Stat_t
	return unix.Stat(p, &st) == nil && st.Mode&unix.S_IFMT == unix.S_IFDIR
}
