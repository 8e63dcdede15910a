//go:build !linux

package poll

import (
	"fmt"

	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

func (l *Loop) waitFds(ports []transport.FDPort) error {
	return fmt.Errorf("%w: descriptor ports", transport.ErrUnsupported)
}
