package gateway

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ant-wireless/Linux-ant-hal/internal/config"
	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
	"github.com/ant-wireless/Linux-ant-hal/internal/radio"
	"github.com/ant-wireless/Linux-ant-hal/internal/store"
	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

// memPort is an in-memory transport.NotifyPort.
type memPort struct {
	mu    sync.Mutex
	in    []byte
	ready chan struct{}
}

func newMemPort() *memPort { return &memPort{ready: make(chan struct{}, 1)} }

func (p *memPort) Name() string           { return "mem" }
func (p *memPort) Ready() <-chan struct{} { return p.ready }
func (p *memPort) Write(...[]byte) error  { return nil }
func (p *memPort) Close() error           { return nil }

func (p *memPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *memPort) inject(b []byte) {
	p.mu.Lock()
	p.in = append(p.in, b...)
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

type memTransport struct {
	mu   sync.Mutex
	data *memPort
}

func (t *memTransport) Name() string         { return "mem" }
func (t *memTransport) Layout() frame.Layout { return frame.Plain }

func (t *memTransport) Open() (transport.Binding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = newMemPort()
	return transport.Binding{Command: newMemPort(), Data: t.data}, nil
}

func (t *memTransport) dataPort() *memPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

func next(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestGatewayLifecycle(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.Migrate(db))

	cfg := config.Default()
	cfg.Store.StatsInterval = 10 * time.Millisecond
	rcfg := cfg.RadioOptions()
	rcfg.PollTimeout = 20 * time.Millisecond

	tr := &memTransport{}
	r := radio.New(tr, rcfg, log)
	g := New(cfg, r, db, log)

	events, unsub := g.Bus().Subscribe()
	defer unsub()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- g.Serve(ctx, ln, http.NotFoundHandler()) }()

	assert.Equal(t, StateData{State: "ENABLING"}, next(t, events, EventState).Data)
	assert.Equal(t, StateData{State: "ENABLED"}, next(t, events, EventState).Data)

	tr.dataPort().inject([]byte{2, 0x4E, 0x01})
	msg := next(t, events, EventMessage).Data.(MessageData)
	assert.Equal(t, "data", msg.Channel)
	assert.Equal(t, "4e01", msg.Payload)
	require.NotNil(t, msg.MsgID)
	assert.Equal(t, byte(0x4E), *msg.MsgID)

	next(t, events, EventStats)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
	assert.Equal(t, radio.Disabled, r.Status())
	require.NoError(t, r.Close())

	ts, err := db.Transitions(10)
	require.NoError(t, err)
	var got []string
	for i := len(ts) - 1; i >= 0; i-- {
		got = append(got, ts[i].State)
	}
	assert.Equal(t, []string{"ENABLING", "ENABLED", "DISABLING", "DISABLED"}, got)

	stats, _, ok, err := db.LatestStats()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Data.FramesIn)
}

func TestGatewayEnableFailureKeepsServing(t *testing.T) {
	cfg := config.Default()
	cfg.Store.StatsInterval = 0
	r := radio.New(failingTransport{}, cfg.RadioOptions(), zaptest.NewLogger(t))
	defer r.Close()
	g := New(cfg, r, nil, zaptest.NewLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- g.Serve(ctx, ln, http.NotFoundHandler()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, radio.Disabled, r.Status())

	cancel()
	assert.NoError(t, <-served)
}

type failingTransport struct{}

func (failingTransport) Name() string         { return "absent" }
func (failingTransport) Layout() frame.Layout { return frame.Plain }
func (failingTransport) Open() (transport.Binding, error) {
	return transport.Binding{}, transport.ErrNoDevice
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	fast, unsubFast := bus.Subscribe()
	slow, unsubSlow := bus.Subscribe()
	assert.Equal(t, 2, bus.Len())

	for i := 0; i < 100; i++ {
		bus.PublishState("ENABLED")
		<-fast
	}
	assert.Len(t, slow, 64, "a full subscriber drops instead of blocking")

	e := <-slow
	assert.Equal(t, EventState, e.Type)
	assert.False(t, e.Timestamp.IsZero())

	unsubFast()
	unsubSlow()
	assert.Equal(t, 0, bus.Len())
	_, ok := <-fast
	assert.False(t, ok)
}
