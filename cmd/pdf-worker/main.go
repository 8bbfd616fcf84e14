// cmd/pdf-worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hoangvt/docpipe/internal/bus"
	"github.com/hoangvt/docpipe/internal/config"
	"github.com/hoangvt/docpipe/internal/pdfgen"
	"github.com/hoangvt/docpipe/internal/runtime"
	"github.com/hoangvt/docpipe/internal/stages"
	"github.com/hoangvt/docpipe/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadPDF()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("pdf worker starting", "nats_url", cfg.NATSURL, "store_dir", cfg.StoreDir, "output_dir", cfg.OutputDir, "prefetch", cfg.Prefetch)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		fatal(logger, "ensure output directory", err, "output_dir", cfg.OutputDir)
	}

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

	renderer := pdfgen.New(cfg.OutputDir)
	if cfg.FontFile != "" {
		renderer = pdfgen.NewWithFont(cfg.OutputDir, cfg.FontFile)
	}
	stage := stages.PDF(renderer, stages.Options{
		InQueue:        config.PdfQueue,
		OutQueue:       config.ResultQueue,
		DeadLetter:     cfg.DeadLetter,
		Prefetch:       cfg.Prefetch,
		HandlerTimeout: cfg.HandlerTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		RetryDelay:     cfg.RetryDelay,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(stage, nc, st, logger).Run(ctx); err != nil {
		fatal(logger, "run stage", err)
	}
	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
