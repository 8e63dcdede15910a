// Package gateway runs the antradiod service: it enables the radio,
// journals its transitions and link counters, fans events out to
// WebSocket clients and serves the HTTP control surface.
package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/config"
	"github.com/ant-wireless/Linux-ant-hal/internal/frame"
	"github.com/ant-wireless/Linux-ant-hal/internal/mux"
	"github.com/ant-wireless/Linux-ant-hal/internal/radio"
	"github.com/ant-wireless/Linux-ant-hal/internal/store"
)

// Gateway is the central application service.
type Gateway struct {
	cfg   *config.Config
	radio *radio.Radio
	db    *store.DB // nil when the journal is disabled
	log   *zap.Logger
	bus   *EventBus
}

// New wires the radio's handlers to the journal and the event bus. It
// does not enable the radio.
func New(cfg *config.Config, r *radio.Radio, db *store.DB, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		cfg:   cfg,
		radio: r,
		db:    db,
		log:   log,
		bus:   NewEventBus(),
	}
	r.SetStateHandler(g.onState)
	r.SetMessageHandler(g.onMessage)
	return g
}

// Bus returns the event bus clients subscribe to.
func (g *Gateway) Bus() *EventBus { return g.bus }

// Start listens on the configured address and runs until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context, handler http.Handler) error {
	ln, err := net.Listen("tcp", g.cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.Gateway.ListenAddr, err)
	}
	return g.Serve(ctx, ln, handler)
}

// Serve enables the radio, serves handler on ln and blocks until ctx is
// cancelled or the server fails. The radio is disabled on return.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Sends may wait out a full flow-control timeout.
		WriteTimeout: g.cfg.Radio.FlowTimeout + 20*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	// A radio that fails to come up stays disabled; it can be enabled later
	// through the API.
	if err := g.radio.Enable(); err != nil {
		g.log.Warn("gateway: radio enable failed", zap.Error(err))
	}

	statsDone := make(chan struct{})
	statsCtx, stopStats := context.WithCancel(ctx)
	go func() {
		defer close(statsDone)
		g.statsLoop(statsCtx)
	}()

	var err error
	select {
	case <-ctx.Done():
		g.log.Info("gateway: context cancelled, shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = srv.Shutdown(shutCtx)
		cancel()
	case err = <-srvErr:
	}
	stopStats()
	<-statsDone

	if derr := g.radio.Disable(); derr != nil {
		g.log.Warn("gateway: radio disable", zap.Error(derr))
	}
	g.journalStats()
	return err
}

// statsLoop journals link counters periodically.
func (g *Gateway) statsLoop(ctx context.Context) {
	every := g.cfg.Store.StatsInterval
	if every <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.journalStats()
		}
	}
}

func (g *Gateway) journalStats() {
	stats := g.radio.Stats()
	g.bus.PublishStats(stats)
	if g.db == nil {
		return
	}
	if err := g.db.RecordStats(stats, time.Now()); err != nil {
		g.log.Warn("gateway: journal stats", zap.Error(err))
	}
}

// onState runs on the radio's state goroutine, in transition order.
func (g *Gateway) onState(s radio.State) {
	if g.db != nil {
		if _, err := g.db.RecordTransition(s.String(), time.Now()); err != nil {
			g.log.Warn("gateway: journal transition", zap.Stringer("state", s), zap.Error(err))
		}
	}
	g.bus.PublishState(s.String())
}

// onMessage runs on the radio's delivery goroutine, in arrival order.
func (g *Gateway) onMessage(ch mux.ChannelID, payload []byte) {
	data := MessageData{
		Channel: ch.String(),
		Payload: hex.EncodeToString(payload),
	}
	if id, ok := (frame.Frame{Payload: payload}).MsgID(); ok {
		data.MsgID = &id
	}
	g.bus.PublishMessage(data)
}
