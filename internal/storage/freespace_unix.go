//go:build unix

package storage

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	errFreeSpaceUnsupported       = errors.New("free space check unsupported")
	errCrossDevice          error = unix.EXDEV
)

func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
