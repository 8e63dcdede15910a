//go:build !linux

package poll

import "errors"

var errNoEventFd = errors.New("poll: eventfd requires linux")

func newEventFd() (int, error) { return -1, errNoEventFd }
func raise(int)                {}
func closeFd(int) error        { return nil }
