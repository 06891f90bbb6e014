//go:build linux

package fsmeta

import (
	"syscall"
	"time"
)

func statTimes(st *syscall.Stat_t) (atime, mtime, ctime time.Time) {
	atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	return atime, mtime, ctime
}
