//go:build linux

package poll

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

func newEventFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("poll: eventfd: %w", err)
	}
	return fd, nil
}

// raise adds one to the eventfd counter. The counter is never read, so
// the descriptor stays readable.
func raise(fd int) {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		if _, err := unix.Write(fd, one[:]); err != unix.EINTR {
			return
		}
	}
}

func closeFd(fd int) error { return unix.Close(fd) }
