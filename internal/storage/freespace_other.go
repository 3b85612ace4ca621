//go:build !unix

package storage

import (
	"errors"
	"syscall"
)

var (
	errFreeSpaceUnsupported       = errors.New("free space check unsupported")
	errCrossDevice          error = syscall.EXDEV
)

func freeSpace(path string) (uint64, error) {
	return 0, errFreeSpaceUnsupported
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
