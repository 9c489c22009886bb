//go:build !linux

package health

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("not supported on " + runtime.GOOS)

func memoryStats() (total, free uint64, err error) { return 0, 0, errUnsupported }

func volumeStats(dir string) (total, free uint64, err error) { return 0, 0, errUnsupported }
