//go:build linux

package poll

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

const (
	pollWanted = unix.POLLIN | unix.POLLPRI | unix.POLLRDHUP
	pollFatal  = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL | unix.POLLPRI | unix.POLLRDHUP
)

// waitFds polls every port descriptor plus the signal's eventfd.
func (l *Loop) waitFds(ports []transport.FDPort) error {
	efd, err := l.sig.Fd()
	if err != nil {
		return err
	}
	fds := make([]unix.PollFd, len(ports)+1)
	for i, p := range ports {
		fds[i] = unix.PollFd{Fd: int32(p.Fd()), Events: pollWanted}
	}
	last := len(ports)
	fds[last] = unix.PollFd{Fd: int32(efd), Events: unix.POLLIN}
	timeout := int(l.timeout.Milliseconds())

	for {
		if l.sig.Fired() {
			return nil
		}
		for i := range fds {
			fds[i].Revents = 0
		}
		n, err := unix.Poll(fds, timeout)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return fmt.Errorf("%w: poll: %w", ErrChipFailure, err)
		case n == 0:
			l.log.Debug("poll: wait timed out", zap.Duration("timeout", l.timeout))
			continue
		}
		if fds[last].Revents != 0 {
			return nil
		}
		for i, p := range ports {
			re := fds[i].Revents
			if re&pollFatal != 0 {
				l.log.Warn("poll: descriptor error",
					zap.String("port", p.Name()), zap.Int16("revents", re))
				return fmt.Errorf("%w: %s: revents %#x", ErrChipFailure, p.Name(), re)
			}
			if re&unix.POLLIN != 0 {
				if err := l.receive(p); err != nil {
					return err
				}
			}
		}
	}
}
