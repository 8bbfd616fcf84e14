// cmd/translate-worker/main.go
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
	"github.com/hoangvt/docpipe/internal/runtime"
	"github.com/hoangvt/docpipe/internal/stages"
	"github.com/hoangvt/docpipe/internal/store"
	"github.com/hoangvt/docpipe/internal/translate"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadTranslate()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("translate worker starting", "nats_url", cfg.NATSURL, "store_dir", cfg.StoreDir, "api_url", cfg.APIURL, "source", cfg.SourceLang, "target", cfg.TargetLang, "prefetch", cfg.Prefetch)

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

	engine := translate.NewClient(cfg.APIURL, cfg.APIKey, cfg.SourceLang, cfg.TargetLang, cfg.APITimeout)
	stage := stages.Translate(engine, stages.Options{
		InQueue:        config.TranslationQueue,
		OutQueue:       config.PdfQueue,
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
