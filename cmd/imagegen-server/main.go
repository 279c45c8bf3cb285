// Command imagegen-server runs the image generation API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Skryldev/imagegen-server/adapters/encoder"
	"github.com/Skryldev/imagegen-server/config"
	"github.com/Skryldev/imagegen-server/gallery"
	"github.com/Skryldev/imagegen-server/logging"
	"github.com/Skryldev/imagegen-server/pipeline"
	"github.com/Skryldev/imagegen-server/prompt"
	"github.com/Skryldev/imagegen-server/server"
	"github.com/Skryldev/imagegen-server/worker"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("starting imagegen server",
		zap.Int("workers", cfg.NumWorkers),
		zap.String("model_path", cfg.ModelPath),
		zap.Bool("batching", cfg.BatchingEnabled))

	encoders := encoder.NewRegistry()
	encoders.Register(encoder.FormatPNG, &encoder.PNG{})
	switch cfg.Encoder {
	case config.EncoderVips:
		vips := encoder.NewVips(encoder.VipsConfig{DefaultQuality: cfg.JPEGQuality})
		defer vips.Shutdown()
		encoders.Register(encoder.FormatJPEG, vips)
	default:
		encoders.Register(encoder.FormatJPEG, &encoder.JPEG{DefaultQuality: cfg.JPEGQuality})
	}

	factory := &pipeline.SimulatedFactory{StepDelay: 50 * time.Millisecond}
	pool := worker.NewPool(cfg, factory, encoders, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool.Start(ctx)

	store := gallery.NewStore(cfg.StaticDir, encoders, logger)
	rewriter := prompt.NewClient(cfg.PromptAPIBase, cfg.PromptAPIKey, cfg.PromptModel, logger)
	srv := server.New(cfg, pool, store, rewriter, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		// Listener failed before any shutdown signal.
		pool.Shutdown(shutdownGrace)
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	pool.Shutdown(shutdownGrace)
	logger.Info("shutdown complete")
	return nil
}
