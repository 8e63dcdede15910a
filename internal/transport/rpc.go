package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
)

const (
	defaultInitTimeout = 5 * time.Second
	rpcWriteTimeout    = 5 * time.Second
	rpcDialTimeout     = 5 * time.Second
)

// RPC channel numbers carried in envelopes.
const (
	rpcCommand uint32 = iota
	rpcData
)

// RPCProxy reaches the chip through a peer process that owns it. Envelopes
// travel over one WebSocket connection; inbound messages arrive on a reader
// goroutine instead of a pollable descriptor.
type RPCProxy struct {
	url         string
	initTimeout time.Duration
	dialer      *websocket.Dialer
	log         *zap.Logger
}

// NewRPCProxy returns a transport dialing url on every Open.
func NewRPCProxy(url string, initTimeout time.Duration, log *zap.Logger) *RPCProxy {
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	return &RPCProxy{
		url:         url,
		initTimeout: initTimeout,
		dialer:      &websocket.Dialer{HandshakeTimeout: rpcDialTimeout},
		log:         orNop(log),
	}
}

func (t *RPCProxy) Name() string         { return KindRPC }
func (t *RPCProxy) Layout() frame.Layout { return frame.Plain }

func (t *RPCProxy) Open() (Binding, error) {
	conn, _, err := t.dialer.Dial(t.url, nil)
	if err != nil {
		return Binding{}, fmt.Errorf("transport: dial %s: %w", t.url, err)
	}
	if err := t.awaitInit(conn); err != nil {
		conn.Close()
		return Binding{}, err
	}
	s := newRPCSession(conn, t.url, t.log)
	t.log.Info("rpc: peer ready", zap.String("url", t.url))
	return Binding{Command: s.ports[rpcCommand], Data: s.ports[rpcData]}, nil
}

// awaitInit blocks until the peer reports its service initialised, bounded
// by initTimeout.
func (t *RPCProxy) awaitInit(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(t.initTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("transport: rpc init %s: %w", t.url, err)
		}
		e, err := unmarshalEnvelope(data)
		if err != nil {
			return err
		}
		if e.Kind != kindInitComplete {
			t.log.Debug("rpc: envelope before init ignored", zap.Stringer("kind", e.Kind))
			continue
		}
		if e.Status != 0 {
			return fmt.Errorf("transport: rpc init %s: peer status %d", t.url, e.Status)
		}
		return conn.SetReadDeadline(time.Time{})
	}
}

// ── session ───────────────────────────────────────────────────────────────

type rpcSession struct {
	conn  *websocket.Conn
	url   string
	log   *zap.Logger
	ports [2]*rpcPort

	wmu  sync.Mutex
	refs atomic.Int32
	done chan struct{}
	wg   sync.WaitGroup
}

func newRPCSession(conn *websocket.Conn, url string, log *zap.Logger) *rpcSession {
	s := &rpcSession{conn: conn, url: url, log: log, done: make(chan struct{})}
	for ch := range s.ports {
		s.ports[ch] = &rpcPort{
			s:    s,
			ch:   uint32(ch),
			name: fmt.Sprintf("%s#%d", url, ch),
			in:   newInbox(),
		}
	}
	s.refs.Store(int32(len(s.ports)))
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *rpcSession) send(e envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(rpcWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, e.marshal()); err != nil {
		return fmt.Errorf("transport: rpc send %s: %w", s.url, err)
	}
	return nil
}

func (s *rpcSession) release() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	close(s.done)
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *rpcSession) readLoop() {
	defer s.wg.Done()
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("rpc: connection lost", zap.String("url", s.url), zap.Error(err))
				s.failAll(fmt.Errorf("transport: rpc %s: %w: %w", s.url, ErrNoDevice, err))
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		e, err := unmarshalEnvelope(data)
		if err != nil {
			s.log.Warn("rpc: bad envelope", zap.Error(err))
			continue
		}
		switch e.Kind {
		case kindMessage:
			s.deliver(e)
		case kindFailure:
			s.failAll(fmt.Errorf("transport: rpc %s: %w: peer status %d", s.url, ErrNoDevice, e.Status))
		default:
			s.log.Debug("rpc: envelope ignored", zap.Stringer("kind", e.Kind))
		}
	}
}

func (s *rpcSession) deliver(e envelope) {
	if int(e.Channel) >= len(s.ports) {
		s.log.Warn("rpc: message for unknown channel dropped", zap.Uint32("channel", e.Channel))
		return
	}
	raw, err := frame.Encode(frame.Plain, nil, e.Payload)
	if err != nil {
		s.log.Warn("rpc: message dropped",
			zap.Uint32("channel", e.Channel), zap.Int("len", len(e.Payload)), zap.Error(err))
		return
	}
	if !s.ports[e.Channel].in.push(raw) {
		s.log.Warn("rpc: inbox full, dropping message", zap.Uint32("channel", e.Channel))
	}
}

func (s *rpcSession) failAll(err error) {
	for _, p := range s.ports {
		p.in.fail(err)
	}
}

// rpcPort is one channel of an RPC session.
type rpcPort struct {
	s      *rpcSession
	ch     uint32
	name   string
	in     *inbox
	closed atomic.Bool
}

func (p *rpcPort) Name() string               { return p.name }
func (p *rpcPort) Ready() <-chan struct{}     { return p.in.ready }
func (p *rpcPort) Read(b []byte) (int, error) { return p.in.read(b) }

// Write takes one | len | ANT message | frame and sends the message.
func (p *rpcPort) Write(bufs ...[]byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	var raw []byte
	for _, b := range bufs {
		raw = append(raw, b...)
	}
	if len(raw) < frame.Plain.HeaderSize() {
		return fmt.Errorf("transport: write %s: %w", p.name, frame.ErrShortFrame)
	}
	return p.s.send(envelope{Kind: kindMessage, Channel: p.ch, Payload: raw[frame.Plain.HeaderSize():]})
}

func (p *rpcPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.s.release()
}
