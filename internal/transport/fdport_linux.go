//go:build linux

package transport

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// fdWriteTimeout bounds how long a write waits for a full descriptor to
// drain before giving up.
const fdWriteTimeout = 2 * time.Second

// fdPort is a non-blocking file descriptor: a character device, or one end
// of a socket.
type fdPort struct {
	name   string
	fd     int
	closed atomic.Bool
	once   sync.Once
	err    error
}

func newFDPort(name string, fd int) *fdPort {
	return &fdPort{name: name, fd: fd}
}

func (p *fdPort) Name() string { return p.name }
func (p *fdPort) Fd() int      { return p.fd }

func (p *fdPort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(p.fd, b)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
			return 0, fmt.Errorf("transport: read %s: %w: %w", p.name, ErrNoDevice, err)
		default:
			return 0, fmt.Errorf("transport: read %s: %w", p.name, err)
		}
	}
}

func (p *fdPort) Write(bufs ...[]byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	iov := advance(append([][]byte(nil), bufs...), 0)
	for len(iov) > 0 {
		n, err := unix.Writev(p.fd, iov)
		switch {
		case err == nil:
			iov = advance(iov, n)
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := p.waitWritable(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("transport: write %s: %w", p.name, err)
		}
	}
	return nil
}

func (p *fdPort) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		if err := unix.Close(p.fd); err != nil {
			p.err = fmt.Errorf("transport: close %s: %w", p.name, err)
		}
	})
	return p.err
}

func (p *fdPort) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	deadline := time.Now().Add(fdWriteTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return fmt.Errorf("transport: write %s: %w", p.name, os.ErrDeadlineExceeded)
		}
		n, err := unix.Poll(fds, int(left.Milliseconds())+1)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return fmt.Errorf("transport: poll %s: %w", p.name, err)
		case n == 0:
			continue
		case fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
			return fmt.Errorf("transport: write %s: %w", p.name, ErrNoDevice)
		default:
			return nil
		}
	}
}

// advance drops the first n written bytes from iov, and any empty leading
// buffers.
func advance(iov [][]byte, n int) [][]byte {
	for len(iov) > 0 && n >= len(iov[0]) {
		n -= len(iov[0])
		iov = iov[1:]
	}
	if len(iov) > 0 && n > 0 {
		iov[0] = iov[0][n:]
	}
	return iov
}

// openDevice opens a character device for non-blocking reads and writes.
func openDevice(path string) (*fdPort, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("transport: open %s: %w", path, err)
		}
		return newFDPort(path, fd), nil
	}
}
