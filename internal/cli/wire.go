package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ashlessscythe/serialtrack/internal/cache"
	"github.com/ashlessscythe/serialtrack/internal/config"
	"github.com/ashlessscythe/serialtrack/internal/diff"
	"github.com/ashlessscythe/serialtrack/internal/engine"
	"github.com/ashlessscythe/serialtrack/internal/ledger"
	"github.com/ashlessscythe/serialtrack/internal/normalize"
	"github.com/ashlessscythe/serialtrack/internal/reconcile"
	"github.com/ashlessscythe/serialtrack/internal/record"
)

// newLogger builds the process logger. Verbose enables debug level.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newCache constructs the dashboard cache from configuration.
func newCache(cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.Type == "redis" {
		return cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddress(),
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
	}
	return cache.NewMemoryCache(), nil
}

// buildEngine wires an engine over the configured collaborators and restores
// state from the ledger. The caller owns closing the returned ledger and
// cache.
func buildEngine(
	ctx context.Context,
	cfg *config.Config,
	src engine.Source,
	logger *slog.Logger,
) (*engine.Engine, *ledger.Ledger, cache.Cache, error) {
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	c, err := newCache(cfg)
	if err != nil {
		led.Close()
		return nil, nil, nil, fmt.Errorf("build cache: %w", err)
	}

	normalizer := &normalize.Normalizer{
		WarehouseFilter: cfg.Reconcile.WarehouseFilter,
		Logger:          logger,
	}
	reconciler := &reconcile.Reconciler{
		WindowMinutes:  cfg.Reconcile.WindowMinutes,
		TerminalStatus: record.Status(cfg.Reconcile.TerminalStatus),
	}

	e := engine.New(src, normalizer, reconciler, led,
		engine.WithLogger(logger),
		engine.WithCache(c, cfg.Cache.TTL),
		engine.WithDiffOptions(diff.Options{
			ImplicitShipOnRemoval: cfg.Reconcile.ImplicitShipOnRemoval,
			TerminalStatus:        record.Status(cfg.Reconcile.TerminalStatus),
		}),
	)
	if err := e.Restore(ctx); err != nil {
		led.Close()
		c.Close()
		return nil, nil, nil, fmt.Errorf("restore state: %w", err)
	}

	return e, led, c, nil
}

// noSource is a Source that never yields a snapshot, for commands that only
// read state.
type noSource struct{}

func (noSource) Fetch(ctx context.Context) ([]map[string]string, record.SnapshotMeta, bool, error) {
	return nil, record.SnapshotMeta{}, false, nil
}
