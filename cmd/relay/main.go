package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voice-relay-lab/internal/config"
	"github.com/voice-relay-lab/internal/logging"
	"github.com/voice-relay-lab/internal/relay"
	"github.com/voice-relay-lab/internal/store"
	"github.com/voice-relay-lab/internal/tools"
	"github.com/voice-relay-lab/internal/upstream"
)

func main() {
	logger := logging.Init()
	defer func() { _ = logger.Sync() }()

	cfgPath := os.Getenv("TENANT_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "tenants.yaml"
	}
	tenants, err := config.Load(cfgPath)
	if err != nil {
		logging.Fatalw("loading tenant config failed", "path", cfgPath, "error", err)
	}
	logging.Infow("tenant config loaded", "path", cfgPath, "tenants", len(tenants))

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		logging.Fatalw("OPENAI_API_KEY is not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := store.Connect(ctx)
	if err != nil {
		if client == nil {
			logging.Fatalw("building redis client failed", "error", err)
		}
		logging.Warnw("redis unreachable, transcripts are best effort", "error", err)
	}
	defer func() { _ = client.Close() }()

	rel := relay.New(tenants, store.New(client), tools.NewRegistry(), upstream.Options{
		APIKey:  apiKey,
		BaseURL: os.Getenv("OPENAI_REALTIME_URL"),
		Model:   os.Getenv("OPENAI_REALTIME_MODEL"),
	})

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8000"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           rel.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Infow("relay listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatalw("http server failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logging.Infow("shutting down", "signal", s.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("shutdown did not finish cleanly", "error", err)
	}
}
