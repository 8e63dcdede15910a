package radio

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ant-wireless/Linux-ant-hal/internal/flow"
	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
	"github.com/ant-wireless/Linux-ant-hal/internal/mux"
	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

// fakePort is an in-memory transport.NotifyPort.
type fakePort struct {
	name   string
	mu     sync.Mutex
	in     []byte
	err    error
	writes [][]byte
	closes atomic.Int32
	ready  chan struct{}
	wrote  chan struct{}
}

func newFakePort(name string) *fakePort {
	return &fakePort{name: name, ready: make(chan struct{}, 1), wrote: make(chan struct{}, 64)}
}

func (p *fakePort) Name() string           { return p.name }
func (p *fakePort) Ready() <-chan struct{} { return p.ready }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.in) == 0 {
		return 0, p.err
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *fakePort) Write(bufs ...[]byte) error {
	var raw []byte
	for _, b := range bufs {
		raw = append(raw, b...)
	}
	p.mu.Lock()
	p.writes = append(p.writes, raw)
	p.mu.Unlock()
	select {
	case p.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePort) Close() error {
	p.closes.Add(1)
	return nil
}

func (p *fakePort) inject(b []byte, err error) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	if err != nil {
		p.err = err
	}
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

// fakeTransport hands out a fresh port pair on every Open.
type fakeTransport struct {
	mu       sync.Mutex
	opens    int
	failFrom int // opens numbered from this one fail; 0 never fails
	bindings []transport.Binding
}

func (t *fakeTransport) Name() string         { return "fake" }
func (t *fakeTransport) Layout() frame.Layout { return frame.Plain }

func (t *fakeTransport) Open() (transport.Binding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.failFrom > 0 && t.opens >= t.failFrom {
		return transport.Binding{}, transport.ErrNoDevice
	}
	b := transport.Binding{Command: newFakePort("cmd"), Data: newFakePort("data")}
	t.bindings = append(t.bindings, b)
	return b, nil
}

func (t *fakeTransport) opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *fakeTransport) port(session int, ch mux.ChannelID) *fakePort {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bindings[session]
	if ch == mux.Command {
		return b.Command.(*fakePort)
	}
	return b.Data.(*fakePort)
}

// states records notifications.
type states struct {
	mu  sync.Mutex
	got []State
}

func (s *states) record(st State) {
	s.mu.Lock()
	s.got = append(s.got, st)
	s.mu.Unlock()
}

func (s *states) list() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.got...)
}

func (s *states) await(t *testing.T, want ...State) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.list()) >= len(want) }, 2*time.Second, time.Millisecond)
	assert.Equal(t, want, s.list())
}

func newRadio(t *testing.T, tr *fakeTransport, cfg Config) (*Radio, *states) {
	t.Helper()
	r := New(tr, cfg, zaptest.NewLogger(t))
	st := &states{}
	r.SetStateHandler(st.record)
	t.Cleanup(func() { r.Close() })
	return r, st
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.Mux.FlowTimeout = time.Second
	return cfg
}

func TestEnableDisable(t *testing.T) {
	tr := &fakeTransport{}
	r, st := newRadio(t, tr, testConfig())
	assert.Equal(t, Disabled, r.Status())

	require.NoError(t, r.Enable())
	assert.Equal(t, Enabled, r.Status())
	st.await(t, Enabling, Enabled)

	require.NoError(t, r.Disable())
	assert.Equal(t, Disabled, r.Status())
	st.await(t, Enabling, Enabled, Disabling, Disabled)
	assert.Equal(t, int32(1), tr.port(0, mux.Command).closes.Load())
	assert.Equal(t, int32(1), tr.port(0, mux.Data).closes.Load())
}

func TestEnableThenDisableNeverDeadlocks(t *testing.T) {
	tr := &fakeTransport{}
	r, _ := newRadio(t, tr, testConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			assert.NoError(t, r.Enable())
			assert.NoError(t, r.Disable())
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enable/disable cycle hung")
	}
	assert.Equal(t, Disabled, r.Status())
	assert.Equal(t, 50, tr.opened())
}

func TestEnableAndDisableAreIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	r, st := newRadio(t, tr, testConfig())

	require.NoError(t, r.Disable())
	require.NoError(t, r.Enable())
	require.NoError(t, r.Enable())
	assert.Equal(t, 1, tr.opened())
	require.NoError(t, r.Disable())
	require.NoError(t, r.Disable())
	st.await(t, Enabling, Enabled, Disabling, Disabled)
}

func TestEnableFailureReportsBringUp(t *testing.T) {
	tr := &fakeTransport{failFrom: 1}
	r, st := newRadio(t, tr, testConfig())

	err := r.Enable()
	assert.ErrorIs(t, err, transport.ErrNoDevice)
	assert.Equal(t, Disabled, r.Status())
	st.await(t, Enabling, Disabled)
}

func TestSendWhenDisabled(t *testing.T) {
	r, _ := newRadio(t, &fakeTransport{}, testConfig())
	assert.ErrorIs(t, r.Send(mux.Data, []byte{0x4E}), ErrNotOpen)
}

func TestSendAndReceive(t *testing.T) {
	tr := &fakeTransport{}
	r, _ := newRadio(t, tr, testConfig())

	got := make(chan []byte, 4)
	r.SetMessageHandler(func(ch mux.ChannelID, payload []byte) {
		if ch == mux.Data {
			got <- payload
		}
	})
	require.NoError(t, r.Enable())
	data := tr.port(0, mux.Data)

	sent := make(chan error, 1)
	go func() { sent <- r.Send(mux.Data, []byte{0x4E, 0x00, 0x01}) }()
	<-data.wrote
	select {
	case err := <-sent:
		t.Fatalf("flow-controlled send returned before GO: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	data.inject([]byte{2, mux.MsgFlowControl, byte(flow.Go), 2, 0x4E, 0x09}, nil)
	require.NoError(t, <-sent)
	assert.Equal(t, []byte{0x4E, 0x09}, <-got)
	assert.Equal(t, [][]byte{{3, 0x4E, 0x00, 0x01}}, data.written())

	assert.ErrorIs(t, r.Send(mux.Command, make([]byte, 256)), frame.ErrTooLarge)

	s := r.Stats()
	assert.Equal(t, uint64(1), s.Data.FramesOut)
	assert.Equal(t, uint64(2), s.Data.FramesIn)
}

func TestSendTimeoutIsDistinct(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.Mux.FlowTimeout = 30 * time.Millisecond
	r, _ := newRadio(t, tr, cfg)
	require.NoError(t, r.Enable())

	assert.ErrorIs(t, r.Send(mux.Data, []byte{0x4E}), flow.ErrUnresponsive)
	assert.Equal(t, Enabled, r.Status())
}

func TestFatalReadErrorResets(t *testing.T) {
	tr := &fakeTransport{}
	r, st := newRadio(t, tr, testConfig())
	require.NoError(t, r.Enable())

	tr.port(0, mux.Data).inject(nil, transport.ErrNoDevice)
	st.await(t, Enabling, Enabled, Resetting, Reset, Enabled)
	assert.Equal(t, Enabled, r.Status())
	assert.Equal(t, 2, tr.opened())
	assert.Equal(t, int32(1), tr.port(0, mux.Data).closes.Load())

	got := make(chan []byte, 1)
	r.SetMessageHandler(func(_ mux.ChannelID, p []byte) { got <- p })
	tr.port(1, mux.Command).inject([]byte{1, 0x6F}, nil)
	select {
	case p := <-got:
		assert.Equal(t, []byte{0x6F}, p)
	case <-time.After(time.Second):
		t.Fatal("restarted loop is not receiving")
	}
}

func TestFatalReadErrorResetFails(t *testing.T) {
	tr := &fakeTransport{failFrom: 2}
	cfg := testConfig()
	cfg.ResetAttempts = 2
	r, st := newRadio(t, tr, cfg)
	require.NoError(t, r.Enable())

	tr.port(0, mux.Command).inject(nil, transport.ErrNoDevice)
	st.await(t, Enabling, Enabled, Resetting, Disabled)
	assert.Equal(t, Disabled, r.Status())
	assert.Equal(t, 3, tr.opened())
	assert.Equal(t, int32(1), tr.port(0, mux.Command).closes.Load())
	assert.ErrorIs(t, r.Send(mux.Command, []byte{1}), ErrNotOpen)
}

func TestConcurrentDisableTearsDownOnce(t *testing.T) {
	tr := &fakeTransport{}
	r, st := newRadio(t, tr, testConfig())
	require.NoError(t, r.Enable())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Disable())
			assert.Equal(t, Disabled, r.Status())
		}()
	}
	wg.Wait()

	st.await(t, Enabling, Enabled, Disabling, Disabled)
	assert.Equal(t, int32(1), tr.port(0, mux.Command).closes.Load())
	assert.Equal(t, int32(1), tr.port(0, mux.Data).closes.Load())
}

func TestDisableReleasesBlockedSender(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.Mux.FlowTimeout = 5 * time.Second
	r, _ := newRadio(t, tr, cfg)
	require.NoError(t, r.Enable())

	sent := make(chan error, 1)
	go func() { sent <- r.Send(mux.Data, []byte{0x4E}) }()
	<-tr.port(0, mux.Data).wrote

	require.NoError(t, r.Disable())
	select {
	case err := <-sent:
		assert.ErrorIs(t, err, ErrNotOpen)
	case <-time.After(time.Second):
		t.Fatal("disable left a writer blocked")
	}
}

func TestHandlerPanicDisables(t *testing.T) {
	tr := &fakeTransport{}
	r, st := newRadio(t, tr, testConfig())
	r.SetMessageHandler(func(mux.ChannelID, []byte) { panic("handler bug") })
	require.NoError(t, r.Enable())

	tr.port(0, mux.Command).inject([]byte{1, 0x6F}, nil)
	st.await(t, Enabling, Enabled, Disabling, Disabled)
	assert.Equal(t, 1, tr.opened())
}

func TestDisableFromMessageHandler(t *testing.T) {
	tr := &fakeTransport{}
	r, st := newRadio(t, tr, testConfig())
	disabled := make(chan error, 1)
	r.SetMessageHandler(func(mux.ChannelID, []byte) { disabled <- r.Disable() })
	require.NoError(t, r.Enable())

	tr.port(0, mux.Command).inject([]byte{1, 0x6F}, nil)
	select {
	case err := <-disabled:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("disable from message handler did not return, status %s", r.Status())
	}
	assert.Equal(t, Disabled, r.Status())
	st.await(t, Enabling, Enabled, Disabling, Disabled)
	assert.Equal(t, int32(1), tr.port(0, mux.Command).closes.Load())

	r.SetMessageHandler(nil)
	require.NoError(t, r.Enable())
	assert.Equal(t, Enabled, r.Status())
}

func TestSendFromMessageHandler(t *testing.T) {
	tr := &fakeTransport{}
	r, _ := newRadio(t, tr, testConfig())
	sent := make(chan error, 1)
	r.SetMessageHandler(func(ch mux.ChannelID, _ []byte) {
		if ch == mux.Command {
			sent <- r.Send(mux.Data, []byte{0x4E})
		}
	})
	require.NoError(t, r.Enable())

	tr.port(0, mux.Command).inject([]byte{1, 0x6F}, nil)
	data := tr.port(0, mux.Data)
	<-data.wrote
	data.inject([]byte{2, mux.MsgFlowControl, byte(flow.Go)}, nil)
	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("GO was not read while the handler waited in Send")
	}
}

func TestStateHandlerMayCallBack(t *testing.T) {
	tr := &fakeTransport{}
	r, _ := newRadio(t, tr, testConfig())
	disabled := make(chan struct{})
	r.SetStateHandler(func(s State) {
		switch s {
		case Enabled:
			assert.NoError(t, r.Disable())
		case Disabled:
			close(disabled)
		}
	})
	require.NoError(t, r.Enable())
	select {
	case <-disabled:
	case <-time.After(2 * time.Second):
		t.Fatal("disable from state handler did not complete")
	}
}

func TestKeepalive(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.KeepaliveInterval = 5 * time.Millisecond
	r, _ := newRadio(t, tr, cfg)
	require.NoError(t, r.Enable())

	cmd := tr.port(0, mux.Command)
	require.Eventually(t, func() bool { return len(cmd.written()) >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, append([]byte{3}, mux.KeepaliveMessage...), cmd.written()[0])
	require.NoError(t, r.Disable())
}

func TestStatsSurviveReset(t *testing.T) {
	tr := &fakeTransport{}
	r, st := newRadio(t, tr, testConfig())
	require.NoError(t, r.Enable())
	require.NoError(t, r.Send(mux.Command, []byte{0x4A}))

	tr.port(0, mux.Data).inject(nil, errors.New("EIO"))
	st.await(t, Enabling, Enabled, Resetting, Reset, Enabled)
	require.NoError(t, r.Send(mux.Command, []byte{0x4A}))
	assert.Equal(t, uint64(2), r.Stats().Command.FramesOut)
}

func TestClose(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, r.Enable())
	require.NoError(t, r.Close())
	assert.Equal(t, Disabled, r.Status())
	assert.ErrorIs(t, r.Enable(), ErrClosed)
	assert.ErrorIs(t, r.Disable(), ErrClosed)
	require.NoError(t, r.Close())
}

func TestParseState(t *testing.T) {
	for s := Disabled; s <= Unknown; s++ {
		assert.Equal(t, s, ParseState(s.String()))
	}
	assert.Equal(t, Unknown, ParseState("bogus"))
}
