package poll

import "sync"

// Signal is a level-triggered shutdown flag. Once fired it stays fired:
// Done is closed and, on Linux, the eventfd from Fd is readable forever
// because nothing ever drains it.
type Signal struct {
	mu    sync.Mutex
	fired bool
	done  chan struct{}
	fd    int
	hasFd bool
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire sets the signal. Calling it again has no effect.
func (s *Signal) Fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return
	}
	s.fired = true
	close(s.done)
	if s.hasFd {
		raise(s.fd)
	}
}

// Fired reports whether Fire has been called.
func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Done is closed once the signal fires.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Fd returns a descriptor that polls readable once the signal fires. It is
// created on first use and owned by the signal.
func (s *Signal) Fd() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasFd {
		return s.fd, nil
	}
	fd, err := newEventFd()
	if err != nil {
		return -1, err
	}
	s.fd, s.hasFd = fd, true
	if s.fired {
		raise(fd)
	}
	return fd, nil
}

// Close releases the descriptor, if one was created.
func (s *Signal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFd {
		return nil
	}
	s.hasFd = false
	return closeFd(s.fd)
}
