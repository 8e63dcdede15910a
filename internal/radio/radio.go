// Package radio owns the lifecycle of one ANT radio: it opens the
// transport, runs the receive loop, recovers from chip failures and exposes
// the enable/disable/status/send control surface.
//
// Every transition runs on a single actor goroutine. Enable, Disable and
// the receive loop's exit reports are commands on its queue, so exactly one
// party ever owns teardown.
package radio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/flow"
	"github.com/ant-wireless/Linux-ant-hal/internal/mux"
	"github.com/ant-wireless/Linux-ant-hal/internal/poll"
	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

var (
	// ErrNotOpen is returned by Send when the radio is not enabled.
	ErrNotOpen = errors.New("radio: not open")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("radio: closed")
)

// MessageHandler receives every inbound ANT message. Messages are delivered
// in arrival order on the radio's delivery goroutine, never on the receive
// goroutine, so a handler may block or call Enable, Disable and Send.
type MessageHandler func(ch mux.ChannelID, payload []byte)

// StateHandler is notified of every state change, in order.
type StateHandler func(s State)

// Config tunes the lifecycle.
type Config struct {
	Mux         mux.Config
	PollTimeout time.Duration
	// ResetAttempts is how many reopen attempts follow a chip failure
	// before the radio gives up and disables.
	ResetAttempts int
	// KeepaliveInterval enables a periodic keepalive on the command
	// channel. Zero disables it.
	KeepaliveInterval time.Duration
}

// DefaultConfig mirrors the chip defaults: data channel flow controlled,
// one reset attempt, no keepalive.
func DefaultConfig() Config {
	return Config{
		Mux:           mux.DefaultConfig(),
		PollTimeout:   poll.DefaultTimeout,
		ResetAttempts: 1,
	}
}

type cmdKind int

const (
	cmdEnable cmdKind = iota
	cmdDisable
	cmdLoopExit
)

type command struct {
	kind  cmdKind
	gen   uint64
	err   error
	reply chan error
}

// Radio is safe for concurrent use.
type Radio struct {
	tr  transport.Transport
	cfg Config
	log *zap.Logger

	status    atomic.Int32
	onMessage atomic.Pointer[MessageHandler]
	onState   atomic.Pointer[StateHandler]
	live      atomic.Pointer[session]

	cmds      chan command
	quit      chan struct{}
	quitOnce  sync.Once
	actorDone chan struct{}
	notes     *dispatcher[State]
	inbox     *dispatcher[inbound]

	// actor owned
	cur *session
	gen uint64

	statsMu sync.Mutex
	totals  mux.LinkStats
}

// New returns a disabled radio over tr and starts its actor.
func New(tr transport.Transport, cfg Config, log *zap.Logger) *Radio {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ResetAttempts <= 0 {
		cfg.ResetAttempts = 1
	}
	r := &Radio{
		tr:        tr,
		cfg:       cfg,
		log:       log,
		cmds:      make(chan command),
		quit:      make(chan struct{}),
		actorDone: make(chan struct{}),
	}
	r.status.Store(int32(Disabled))
	r.notes = newDispatcher(func(s State) {
		if h := r.onState.Load(); h != nil {
			(*h)(s)
		}
	}, nil)
	r.inbox = newDispatcher(r.deliver, r.handlerPanicked)
	go r.run()
	return r
}

// ── control surface ───────────────────────────────────────────────────────

// Enable opens the transport and starts receiving. It is a no-op when the
// radio is already enabled.
func (r *Radio) Enable() error { return r.do(cmdEnable) }

// Disable stops receiving and closes the transport, returning once teardown
// is complete. Concurrent calls share one teardown.
func (r *Radio) Disable() error { return r.do(cmdDisable) }

// Status reads the current state without waiting on any transition.
func (r *Radio) Status() State { return State(r.status.Load()) }

// Send writes payload on channel ch. On a flow-controlled channel it blocks
// until the chip grants GO or the flow timeout elapses.
func (r *Radio) Send(ch mux.ChannelID, payload []byte) error {
	s := r.live.Load()
	if s == nil {
		return ErrNotOpen
	}
	err := s.mux.Send(ch, payload)
	if errors.Is(err, flow.ErrReleased) {
		return fmt.Errorf("%w: %w", ErrNotOpen, err)
	}
	return err
}

// SetMessageHandler replaces the inbound message handler. Nil drops
// messages.
func (r *Radio) SetMessageHandler(fn MessageHandler) {
	if fn == nil {
		r.onMessage.Store(nil)
		return
	}
	r.onMessage.Store(&fn)
}

// SetStateHandler replaces the state change handler. Nil stops
// notifications.
func (r *Radio) SetStateHandler(fn StateHandler) {
	if fn == nil {
		r.onState.Store(nil)
		return
	}
	r.onState.Store(&fn)
}

// Stats returns traffic counters accumulated over every session.
func (r *Radio) Stats() mux.LinkStats {
	r.statsMu.Lock()
	total := r.totals
	r.statsMu.Unlock()
	if s := r.live.Load(); s != nil {
		total = total.Add(s.mux.Stats())
	}
	return total
}

// Close disables the radio and stops the actor. Later calls return
// ErrClosed.
func (r *Radio) Close() error {
	r.quitOnce.Do(func() {
		close(r.quit)
		<-r.actorDone
		r.inbox.close()
		r.notes.close()
	})
	return nil
}

func (r *Radio) do(kind cmdKind) error {
	reply := make(chan error, 1)
	select {
	case r.cmds <- command{kind: kind, reply: reply}:
	case <-r.quit:
		return ErrClosed
	}
	return <-reply
}

// ── actor ─────────────────────────────────────────────────────────────────

func (r *Radio) run() {
	defer close(r.actorDone)
	for {
		select {
		case <-r.quit:
			if r.cur != nil {
				r.disable()
			}
			return
		case c := <-r.cmds:
			switch c.kind {
			case cmdEnable:
				c.reply <- r.enable()
			case cmdDisable:
				c.reply <- r.disable()
			case cmdLoopExit:
				r.loopExited(c.gen, c.err)
			}
		}
	}
}

func (r *Radio) enable() error {
	if r.cur != nil {
		return nil
	}
	r.setState(Enabling)
	if err := r.start(); err != nil {
		r.log.Error("radio: enable failed", zap.String("transport", r.tr.Name()), zap.Error(err))
		r.setState(Disabled)
		return err
	}
	r.setState(Enabled)
	r.log.Info("radio: enabled", zap.String("transport", r.tr.Name()))
	return nil
}

func (r *Radio) disable() error {
	if r.cur == nil {
		return nil
	}
	r.setState(Disabling)
	err := r.stop()
	r.setState(Disabled)
	if err != nil {
		r.log.Warn("radio: close failed", zap.Error(err))
	}
	r.log.Info("radio: disabled")
	return err
}

// loopExited handles a receive loop that stopped on its own. Reports from
// a loop already torn down by Disable carry an old generation and are
// ignored.
func (r *Radio) loopExited(gen uint64, cause error) {
	if r.cur == nil || r.cur.gen != gen {
		r.log.Debug("radio: stale loop report ignored", zap.Uint64("gen", gen))
		return
	}
	if errors.Is(cause, poll.ErrChipFailure) {
		r.reset(cause)
		return
	}
	r.log.Warn("radio: receive loop crashed", zap.Error(cause))
	r.disable()
}

// reset recovers from a chip failure: tear down, reopen, restart.
func (r *Radio) reset(cause error) {
	r.log.Warn("radio: chip failure, resetting", zap.Error(cause))
	r.setState(Resetting)
	if err := r.stop(); err != nil {
		r.log.Debug("radio: close during reset", zap.Error(err))
	}
	for attempt := 1; attempt <= r.cfg.ResetAttempts; attempt++ {
		err := r.start()
		if err == nil {
			r.notify(Reset)
			r.setState(Enabled)
			r.log.Info("radio: reset complete", zap.Int("attempt", attempt))
			return
		}
		r.log.Warn("radio: reopen failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", r.cfg.ResetAttempts),
			zap.Error(err),
		)
	}
	r.setState(Disabled)
}

func (r *Radio) setState(s State) {
	r.status.Store(int32(s))
	r.notify(s)
}

func (r *Radio) notify(s State) {
	r.log.Debug("radio: state", zap.Stringer("state", s))
	r.notes.push(s)
}

// inbound is one message queued by a session's receive goroutine.
type inbound struct {
	gen     uint64
	ch      mux.ChannelID
	payload []byte
}

// deliver forwards m to the current message handler. Delivery goroutine
// only.
func (r *Radio) deliver(m inbound) {
	if h := r.onMessage.Load(); h != nil {
		(*h)(m.ch, m.payload)
		return
	}
	r.log.Debug("radio: no message handler", zap.Stringer("channel", m.ch))
}

// handlerPanicked treats a panicking message handler as a crash of the
// session that received the message.
func (r *Radio) handlerPanicked(m inbound, err error) {
	r.log.Error("radio: message handler panicked",
		zap.Uint64("gen", m.gen), zap.Stringer("channel", m.ch), zap.Error(err))
	select {
	case r.cmds <- command{kind: cmdLoopExit, gen: m.gen, err: err}:
	case <-r.quit:
	}
}
