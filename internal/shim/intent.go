package shim

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Intent is what an intercepted call is about to do with the file.
type Intent struct {
	// Write means the file may be modified, so the controller hears about
	// it after a successful open.
	Write bool
	// Truncate means the old content is discarded and there is nothing to
	// synchronize before the open.
	Truncate bool
}

// ReadOnly is the intent of a plain read.
var ReadOnly = Intent{}

// FromOpenFlags maps open(2) flags to an Intent.
func FromOpenFlags(flags int) Intent {
	acc := flags & unix.O_ACCMODE
	return Intent{
		Write:    acc == unix.O_WRONLY || acc == unix.O_RDWR || flags&unix.O_APPEND != 0,
		Truncate: flags&unix.O_TRUNC != 0,
	}
}

// FromFopenMode maps an fopen(3) mode string to an Intent.
func FromFopenMode(mode string) Intent {
	if mode == "" {
		return ReadOnly
	}
	var in Intent
	switch mode[0] {
	case 'w':
		in.Write = true
		in.Truncate = true
	case 'a':
		in.Write = true
	}
	if strings.ContainsRune(mode, '+') {
		in.Write = true
	}
	return in
}
