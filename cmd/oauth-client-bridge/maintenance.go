package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alexjbarnes/oauthclientbridge/internal/config"
	"github.com/alexjbarnes/oauthclientbridge/internal/crypto"
	"github.com/alexjbarnes/oauthclientbridge/internal/logging"
)

func runInitDB(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	store, err := openStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	logger.Info("storage initialized", slog.String("driver", cfg.DatabaseDriver))

	return nil
}

func runCleanDB(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	store, err := openStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	deleted, err := store.CleanBuckets(ctx, time.Now(), cfg.BucketRefillRate)
	if err != nil {
		return fmt.Errorf("cleaning rate limit buckets: %w", err)
	}

	if err := store.Vacuum(ctx); err != nil {
		return fmt.Errorf("vacuuming storage: %w", err)
	}

	logger.Info("storage cleaned", slog.Int64("buckets_deleted", deleted))

	return nil
}

func runGenKey(w io.Writer) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	_, err = fmt.Fprintln(w, key)

	return err
}
