//go:build !linux

package scheduler

import "errors"

func availableMemoryMB() (int64, error) {
	return 0, errors.New("memory probe not supported on this platform")
}
