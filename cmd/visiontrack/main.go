package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/bdougie/visiontrack/internal/batch"
	"github.com/bdougie/visiontrack/internal/config"
	"github.com/bdougie/visiontrack/internal/failure"
	"github.com/bdougie/visiontrack/internal/model"
	"github.com/bdougie/visiontrack/internal/selector"
	"github.com/bdougie/visiontrack/internal/storage"
	"github.com/bdougie/visiontrack/internal/webcam"
)

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	logger := newLogger(slog.LevelInfo)
	cfg, err := config.Load()
	if err != nil {
		err = failure.New(failure.KindConfig, "load config", err)
	} else {
		logger = newLogger(cfg.LogLevel)
		err = run(ctx, cfg, logger)
	}
	stop()

	if err != nil {
		logger.Error("visiontrack failed", "kind", failure.KindOf(err).String(), "error", err)
		if failure.Is(err, failure.KindConfig) {
			logger.Info("check the environment or " + config.DefaultEnvFile + " for MODEL_PATH, MODEL_WORKER and DATABASE_URL")
		}
		os.Exit(failure.ExitCode(err))
	}
}

// run opens the ledger and the model, asks for modes and runs them. Deferred
// cleanup finishes before main decides the exit code.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	runID := uuid.NewString()
	log.Debug("configuration loaded", "run_id", runID, "model", cfg.Model.Path)

	store, err := storage.Open(ctx, storage.Config{
		DatabaseURL: cfg.DatabaseURL,
		LedgerPath:  cfg.LedgerPath,
	}, runID)
	if err != nil {
		return failure.New(failure.KindConfig, "open results ledger", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close results ledger", "error", err)
		}
	}()

	m, err := model.Load(cfg.Model.Path, model.LoadOptions{
		Worker: cfg.Model.Worker,
		Labels: cfg.Model.Labels,
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("failed to close model", "error", err)
		}
	}()

	log.Info("model ready", "path", m.Path())

	modes, err := selector.Prompt(os.Stdout, os.Stdin)
	if err != nil {
		return err
	}

	batchOpts := func() []batch.Option {
		return []batch.Option{batch.WithLogger(log), batch.WithStorage(store, runID)}
	}
	images := batch.NewProcessor(m, batch.Images, batchOpts()...)
	videos := batch.NewProcessor(m, batch.Videos, batchOpts()...)
	camera := webcam.NewProcessor(m, webcam.WithLogger(log), webcam.WithStorage(store, runID))

	handlers := map[selector.Mode]selector.Handler{
		selector.Images: func(ctx context.Context) error {
			summary, err := images.Process(ctx, cfg.Folders.Images, cfg.Folders.ImageOutput)
			log.Info("image batch done", "inputs", summary.Inputs, "outputs", summary.Outputs)
			return err
		},
		selector.Videos: func(ctx context.Context) error {
			summary, err := videos.Process(ctx, cfg.Folders.Videos, cfg.Folders.VideoOutput)
			log.Info("video batch done", "inputs", summary.Inputs, "outputs", summary.Outputs)
			return err
		},
		selector.Webcam: func(ctx context.Context) error {
			return camera.Process(ctx, cfg.Folders.WebcamOutput)
		},
	}

	if err := selector.Dispatch(ctx, modes, handlers, log); err != nil {
		return err
	}

	fmt.Println("Processing complete.")
	return nil
}
