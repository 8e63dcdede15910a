//go:build !linux

package transport

import (
	"fmt"

	"go.uber.org/zap"
)

func newPlatform(o Options, _ *zap.Logger) (Transport, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, o.Kind)
}
