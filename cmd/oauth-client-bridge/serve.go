package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/oauthclientbridge/internal/bridge"
	"github.com/alexjbarnes/oauthclientbridge/internal/config"
	"github.com/alexjbarnes/oauthclientbridge/internal/logging"
	"github.com/alexjbarnes/oauthclientbridge/internal/metrics"
	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
	"github.com/alexjbarnes/oauthclientbridge/internal/ratelimit"
	"github.com/alexjbarnes/oauthclientbridge/internal/render"
	"github.com/alexjbarnes/oauthclientbridge/internal/server"
	"github.com/alexjbarnes/oauthclientbridge/internal/session"
	"github.com/alexjbarnes/oauthclientbridge/internal/state"
	"github.com/alexjbarnes/oauthclientbridge/internal/upstream"
	"golang.org/x/sync/errgroup"
)

const redisSessionPrefix = "oauth-client-bridge"

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("oauth-client-bridge starting",
		slog.String("version", Version),
		slog.String("database_driver", cfg.DatabaseDriver),
		slog.String("session_backend", cfg.SessionBackend),
		slog.Bool("rate_limit", cfg.RateLimitEnabled),
	)

	m := metrics.New()

	store, err := openStore(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	m.SetTokenCounter(func(ctx context.Context) (int64, int64, error) {
		c, err := store.Count(ctx)
		return c.Active, c.Revoked, err
	})

	sessions, err := openSessions(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessions.Close()

	tmpl := render.Default()
	if cfg.CallbackTemplate != "" {
		tmpl, err = render.Load(cfg.CallbackTemplate, logger)
		if err != nil {
			return fmt.Errorf("loading callback template: %w", err)
		}
	}

	normalizer := oauth.NewNormalizer(cfg.FetchErrorTypes)

	b := bridge.New(cfg.Bridge(), bridge.Deps{
		Store:      store,
		Limiter:    ratelimit.New(store, cfg.RateLimit()),
		Sessions:   sessions,
		Fetcher:    upstream.NewClient(cfg.Fetch("oauth-client-bridge/"+Version), nil, normalizer, m, logger),
		Normalizer: normalizer,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Flows:    b,
			Renderer: tmpl,
			Metrics:  m,
			Logger:   logger,
			Cookie: server.CookieConfig{
				Name:   cfg.SessionCookieName,
				Secure: cfg.SecureCookies(),
				MaxAge: cfg.SessionTTL,
			},
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.FetchTotalTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if cfg.BucketCleanInterval > 0 && cfg.RateLimitEnabled {
		g.Go(func() error {
			cleanBuckets(gctx, store, cfg.BucketCleanInterval, cfg.BucketRefillRate, logger)
			return nil
		})
	}

	if cfg.CallbackTemplateWatch && cfg.CallbackTemplate != "" {
		g.Go(func() error {
			if err := tmpl.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching callback template: %w", err)
			}

			return nil
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (state.Store, error) {
	opts := cfg.Storage()
	opts.Metrics = m
	opts.Logger = logger

	store, err := state.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	return store, nil
}

func openSessions(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.SessionBackend != "redis" {
		return session.NewMemoryStore(cfg.SessionTTL), nil
	}

	rs, err := session.NewRedisStore(cfg.SessionRedisURL, redisSessionPrefix, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("creating redis session store: %w", err)
	}

	if err := rs.Ping(ctx); err != nil {
		rs.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return rs, nil
}

// cleanBuckets periodically drops drained rate limit buckets until ctx
// is cancelled.
func cleanBuckets(ctx context.Context, store state.Store, every time.Duration, refillRate float64, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			deleted, err := store.CleanBuckets(ctx, now, refillRate)
			if err != nil {
				logger.Warn("cleaning rate limit buckets failed", slog.String("error", err.Error()))
				continue
			}

			logger.Debug("cleaned rate limit buckets", slog.Int64("deleted", deleted))
		}
	}
}
