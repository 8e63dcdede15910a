// Command antradiod owns an ANT radio and exposes it over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/ant-wireless/Linux-ant-hal/internal/api"
	"github.com/ant-wireless/Linux-ant-hal/internal/config"
	"github.com/ant-wireless/Linux-ant-hal/internal/gateway"
	"github.com/ant-wireless/Linux-ant-hal/internal/radio"
	"github.com/ant-wireless/Linux-ant-hal/internal/store"
	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration (defaults when empty)")
	debug := flag.Bool("debug", false, "development logging at debug level")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "antradiod: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(*configPath, log); err != nil {
		log.Error("antradiod: exiting", zap.Error(err))
		os.Exit(1)
	}
	log.Info("antradiod: stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 1. Infrastructure: transport and journal.
	tr, err := transport.New(cfg.TransportOptions(), log)
	if err != nil {
		return err
	}
	var db *store.DB
	if cfg.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return fmt.Errorf("antradiod: journal dir: %w", err)
		}
		if db, err = store.Open(cfg.Store.Path); err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			return err
		}
	}

	// 2. Radio and service wiring.
	r := radio.New(tr, cfg.RadioOptions(), log)
	defer r.Close()
	g := gateway.New(cfg, r, db, log)

	var journal api.Journal
	if db != nil {
		journal = db
	}
	router := api.NewRouter(r, journal, g.Bus(), log)

	// 3. Run until SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("antradiod: starting",
		zap.String("transport", tr.Name()),
		zap.String("listen", cfg.Gateway.ListenAddr),
	)
	return g.Start(ctx, router)
}
