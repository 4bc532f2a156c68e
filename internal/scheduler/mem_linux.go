//go:build linux

package scheduler

import (
	"golang.org/x/sys/unix"
)

func availableMemoryMB() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	unit := int64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	free := (int64(info.Freeram) + int64(info.Bufferram)) * unit
	return free >> 20, nil
}
