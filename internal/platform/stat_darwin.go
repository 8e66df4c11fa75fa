//go:build darwin

package platform

import (
	"time"

	"golang.org/x/sys/unix"
)

// mtimeFromStat returns the modification time from a unix.Stat_t.
func mtimeFromStat(st *unix.Stat_t) time.Time {
	return time.Unix(st.Mtimespec.Sec, st.Mtimespec.Nsec)
}
