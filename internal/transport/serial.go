package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
)

const (
	defaultBaud          = 115200
	defaultSerialTimeout = 100 * time.Millisecond
	streamReadChunk      = 512
)

// Serial drives a chip attached to a UART. Both channels share the line.
type Serial struct {
	path    string
	baud    int
	timeout time.Duration
	layout  frame.Layout
	log     *zap.Logger
}

// NewSerial returns a UART transport. baud and readTimeout default to
// 115200 and 100ms.
func NewSerial(path string, baud int, readTimeout time.Duration, l frame.Layout, log *zap.Logger) *Serial {
	if baud <= 0 {
		baud = defaultBaud
	}
	if readTimeout <= 0 {
		readTimeout = defaultSerialTimeout
	}
	return &Serial{path: path, baud: baud, timeout: readTimeout, layout: l, log: orNop(log)}
}

func (t *Serial) Name() string         { return KindSerial }
func (t *Serial) Layout() frame.Layout { return t.layout }

func (t *Serial) Open() (Binding, error) {
	s, err := serial.OpenPort(&serial.Config{
		Name:        t.path,
		Baud:        t.baud,
		Parity:      serial.ParityNone,
		ReadTimeout: t.timeout,
	})
	if err != nil {
		return Binding{}, fmt.Errorf("transport: open %s: %w", t.path, err)
	}
	if err := s.Flush(); err != nil {
		t.log.Debug("serial: flush failed", zap.String("path", t.path), zap.Error(err))
	}
	t.log.Info("serial: opened", zap.String("path", t.path), zap.Int("baud", t.baud))
	p := newStreamPort(t.path, s, true, t.log)
	return Binding{Command: p, Data: p}, nil
}

// streamPort turns a blocking io.ReadWriteCloser into a NotifyPort with a
// pump goroutine feeding an inbox.
type streamPort struct {
	name string
	rwc  io.ReadWriteCloser
	in   *inbox
	log  *zap.Logger

	// idleEOF treats io.EOF as a read timeout rather than end of stream.
	idleEOF bool

	wmu    sync.Mutex
	once   sync.Once
	done   chan struct{}
	wg     sync.WaitGroup
	closeE error
}

func newStreamPort(name string, rwc io.ReadWriteCloser, idleEOF bool, log *zap.Logger) *streamPort {
	p := &streamPort{
		name:    name,
		rwc:     rwc,
		in:      newInbox(),
		log:     orNop(log),
		idleEOF: idleEOF,
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.pump()
	return p
}

func (p *streamPort) Name() string               { return p.name }
func (p *streamPort) Ready() <-chan struct{}     { return p.in.ready }
func (p *streamPort) Read(b []byte) (int, error) { return p.in.read(b) }

func (p *streamPort) Write(bufs ...[]byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	for _, b := range bufs {
		for len(b) > 0 {
			n, err := p.rwc.Write(b)
			if err != nil {
				return fmt.Errorf("transport: write %s: %w", p.name, err)
			}
			b = b[n:]
		}
	}
	return nil
}

func (p *streamPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		if err := p.rwc.Close(); err != nil {
			p.closeE = fmt.Errorf("transport: close %s: %w", p.name, err)
		}
		p.wg.Wait()
	})
	return p.closeE
}

func (p *streamPort) pump() {
	defer p.wg.Done()
	buf := make([]byte, streamReadChunk)
	for {
		n, err := p.rwc.Read(buf)
		if n > 0 && !p.in.push(append([]byte(nil), buf[:n]...)) {
			p.log.Warn("stream: inbox full, dropping bytes",
				zap.String("port", p.name), zap.Int("n", n))
		}
		select {
		case <-p.done:
			return
		default:
		}
		if err == nil || (p.idleEOF && errors.Is(err, io.EOF)) {
			continue
		}
		p.log.Debug("stream: read failed", zap.String("port", p.name), zap.Error(err))
		p.in.fail(fmt.Errorf("transport: read %s: %w: %w", p.name, ErrNoDevice, err))
		return
	}
}
