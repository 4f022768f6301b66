package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/uplink-mc/uplink/internal/api"
	"github.com/uplink-mc/uplink/internal/bridge"
	"github.com/uplink-mc/uplink/internal/config"
	"github.com/uplink-mc/uplink/internal/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	st := store.New(log, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stale "online" rows from a previous run; connectors re-mark
	// themselves on reconnect.
	if err := st.MarkAllOffline(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reset server status on startup")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b := bridge.New(cfg, log, st, st, st, registry)
	go b.Run(ctx)

	// Persist inbound events so joins, chats, and metrics survive
	// restarts.
	sub := b.Subscribe([]string{"player.*", "server.*"}, nil)
	go func() {
		for ev := range sub.Events() {
			if err := st.RecordEvent(ctx, ev); err != nil {
				log.Error().Err(err).Str("op", ev.Op).Msg("failed to persist event")
			}
		}
	}()

	apiServer := api.New(cfg, log, b, st, registry)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Router(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")

		if err := b.Shutdown(cfg.ShutdownGrace); err != nil {
			log.Warn().Err(err).Msg("sessions did not drain before grace deadline")
		}
		b.Unsubscribe(sub)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Bool("tls", cfg.HasTLS()).Msg("starting bridge")
	if cfg.HasTLS() {
		err = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}
