//go:build linux

package health

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errUnsupported = errors.New("not supported on this platform")

func memoryStats() (total, free uint64, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, err
	}
	unit := uint64(info.Unit)
	return info.Totalram * unit, info.Freeram * unit, nil
}

func volumeStats(dir string) (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
