// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hoangvt/docpipe/internal/bus"
	"github.com/hoangvt/docpipe/internal/config"
	"github.com/hoangvt/docpipe/internal/ingress"
	"github.com/hoangvt/docpipe/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadGateway()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("gateway starting", "addr", cfg.Addr, "nats_url", cfg.NATSURL, "store_dir", cfg.StoreDir, "upload_dir", cfg.UploadDir)

	st := store.New(cfg.StoreDir)
	if err := st.Init(); err != nil {
		fatal(logger, "init job store", err, "store_dir", cfg.StoreDir)
	}
	defer st.Close()

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := ingress.New(st, nc, cfg.UploadDir, logger)
	if err := srv.Start(ctx); err != nil {
		fatal(logger, "start result consumer", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "serve http", err)
	}
	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
