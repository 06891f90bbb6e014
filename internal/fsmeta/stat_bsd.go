//go:build darwin || freebsd || netbsd

package fsmeta

import (
	"syscall"
	"time"
)

func statTimes(st *syscall.Stat_t) (atime, mtime, ctime time.Time) {
	atime = time.Unix(st.Atimespec.Sec, st.Atimespec.Nsec)
	mtime = time.Unix(st.Mtimespec.Sec, st.Mtimespec.Nsec)
	ctime = time.Unix(st.Ctimespec.Sec, st.Ctimespec.Nsec)
	return atime, mtime, ctime
}
