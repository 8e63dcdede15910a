package transport

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
)

// Transport kinds accepted by New.
const (
	KindCharDevPair = "chardev-pair"
	KindHCI         = "hci"
	KindSerial      = "serial"
	KindRPC         = "rpc"
)

const (
	DefaultCommandPath = "/dev/antradio_cmd"
	DefaultDataPath    = "/dev/antradio_data"
)

// ErrUnsupported is returned for a transport kind this platform cannot open.
var ErrUnsupported = errors.New("transport: unsupported on this platform")

// Options selects and parameterises one backend.
type Options struct {
	Kind string

	CommandPath string // chardev-pair
	DataPath    string // chardev-pair
	Opcode      bool   // chardev-pair: one byte opcode ahead of the length
	Path        string // serial

	HCIDevice uint16

	Baud        int
	ReadTimeout time.Duration
	Checksum    bool // serial: CRC-16 footer on every frame

	URL         string // rpc
	InitTimeout time.Duration
}

// New builds the transport named by o.Kind.
func New(o Options, log *zap.Logger) (Transport, error) {
	switch o.Kind {
	case KindCharDevPair, KindHCI:
		return newPlatform(o, log)
	case KindSerial:
		l := frame.Plain
		if o.Checksum {
			l.FooterSize = frame.ChecksumSize
		}
		return NewSerial(o.Path, o.Baud, o.ReadTimeout, l, log), nil
	case KindRPC:
		return NewRPCProxy(o.URL, o.InitTimeout, log), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", o.Kind)
	}
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
