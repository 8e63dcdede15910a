//go:build linux

package transport

import (
	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
)

func newPlatform(o Options, log *zap.Logger) (Transport, error) {
	switch o.Kind {
	case KindHCI:
		return NewHCISocket(o.HCIDevice, log), nil
	default:
		l := frame.Plain
		if o.Opcode {
			l.OpcodeSize = 1
		}
		return NewCharDevPair(o.CommandPath, o.DataPath, l, log), nil
	}
}
