package radio

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/mux"
	"github.com/ant-wireless/Linux-ant-hal/internal/poll"
	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

// session is one open period of the transport, from enable (or reset) to
// disable (or the next reset).
type session struct {
	gen     uint64
	binding transport.Binding
	mux     *mux.Multiplexer
	sig     *poll.Signal

	// stopping is closed when the actor takes over teardown; the loop then
	// exits without reporting.
	stopping chan struct{}
	// done is closed when the receive goroutine has returned.
	done chan struct{}
	wg   sync.WaitGroup
}

// start opens the transport and launches the receive loop. Actor only.
func (r *Radio) start() error {
	b, err := r.tr.Open()
	if err != nil {
		return fmt.Errorf("radio: open %s: %w", r.tr.Name(), err)
	}
	gen := r.gen + 1
	queue := func(ch mux.ChannelID, payload []byte) {
		r.inbox.push(inbound{gen: gen, ch: ch, payload: payload})
	}
	m, err := mux.New(r.cfg.Mux, r.tr.Layout(), b, queue, r.log)
	if err != nil {
		return multierr.Append(fmt.Errorf("radio: channels: %w", err), b.Close())
	}

	r.gen = gen
	s := &session{
		gen:      gen,
		binding:  b,
		mux:      m,
		sig:      poll.NewSignal(),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	loop := poll.New(m.Ports(), m, s.sig, r.cfg.PollTimeout, r.log)
	go r.receive(s, loop)
	if r.cfg.KeepaliveInterval > 0 {
		s.wg.Add(1)
		go r.keepalive(s)
	}
	r.cur = s
	r.live.Store(s)
	return nil
}

// stop joins the receive loop, releases blocked writers and closes the
// transport. Actor only.
func (r *Radio) stop() error {
	s := r.cur
	r.cur = nil
	r.live.Store(nil)

	close(s.stopping)
	s.sig.Fire()
	s.mux.Close()
	<-s.done
	s.wg.Wait()

	r.statsMu.Lock()
	r.totals = r.totals.Add(s.mux.Stats())
	r.statsMu.Unlock()

	return multierr.Append(s.binding.Close(), s.sig.Close())
}

// receive runs the loop and, when it stops on its own, reports to the
// actor unless the actor is already tearing the session down.
func (r *Radio) receive(s *session, loop *poll.Loop) {
	defer close(s.done)
	err := runGuarded(loop)
	if err == nil {
		return
	}
	r.log.Warn("radio: receive loop exited",
		zap.Uint64("gen", s.gen), zap.Error(err))
	select {
	case r.cmds <- command{kind: cmdLoopExit, gen: s.gen, err: err}:
	case <-s.stopping:
	case <-r.quit:
	}
}

// runGuarded turns a panic in the loop into a crash report.
func runGuarded(loop *poll.Loop) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("radio: receive loop panic: %v", p)
		}
	}()
	return loop.Run()
}

func (r *Radio) keepalive(s *session) {
	defer s.wg.Done()
	t := time.NewTicker(r.cfg.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopping:
			return
		case <-t.C:
			if err := s.mux.Send(mux.Command, mux.KeepaliveMessage); err != nil {
				r.log.Warn("radio: keepalive failed", zap.Error(err))
			}
		}
	}
}
