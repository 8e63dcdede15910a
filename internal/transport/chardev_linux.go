//go:build linux

package transport

import (
	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
)

// CharDevPair drives a chip exposing one character device per channel.
type CharDevPair struct {
	commandPath string
	dataPath    string
	layout      frame.Layout
	log         *zap.Logger
}

// NewCharDevPair returns a transport over two device nodes whose frames use
// layout l. Empty paths fall back to DefaultCommandPath and DefaultDataPath.
func NewCharDevPair(commandPath, dataPath string, l frame.Layout, log *zap.Logger) *CharDevPair {
	if commandPath == "" {
		commandPath = DefaultCommandPath
	}
	if dataPath == "" {
		dataPath = DefaultDataPath
	}
	return &CharDevPair{commandPath: commandPath, dataPath: dataPath, layout: l, log: orNop(log)}
}

func (t *CharDevPair) Name() string         { return KindCharDevPair }
func (t *CharDevPair) Layout() frame.Layout { return t.layout }

func (t *CharDevPair) Open() (Binding, error) {
	cmd, err := openDevice(t.commandPath)
	if err != nil {
		return Binding{}, err
	}
	data, err := openDevice(t.dataPath)
	if err != nil {
		return Binding{}, rollback(err, cmd)
	}
	t.log.Info("chardev: opened",
		zap.String("command", t.commandPath),
		zap.String("data", t.dataPath),
	)
	return Binding{Command: cmd, Data: data}, nil
}
