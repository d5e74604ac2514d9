package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/fanout"
	"github.com/dmitrymomot/bedwatch/pkg/gateway"
	"github.com/dmitrymomot/bedwatch/pkg/httpserver"
	"github.com/dmitrymomot/bedwatch/pkg/jwt"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
	"github.com/dmitrymomot/bedwatch/pkg/ops"
	"github.com/dmitrymomot/bedwatch/pkg/pg"
	"github.com/dmitrymomot/bedwatch/pkg/poller"
	"github.com/dmitrymomot/bedwatch/pkg/processor"
	"github.com/dmitrymomot/bedwatch/pkg/ratelimit"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

const (
	snapshotKeyPrefix = "bedwatch:facility"
	limiterKeyPrefix  = "bedwatch:ratelimit"
	shutdownReason    = "server shutting down"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poller, stream processors and WebSocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), log)
		},
	}
}

type serveConfig struct {
	http      httpserver.Config
	stream    stream.Config
	pg        pg.Config
	jwt       jwt.Config
	poller    poller.Config
	processor processor.Config
	registry  registry.Config
	gateway   gateway.Config
}

func loadServeConfig() (serveConfig, error) {
	var c serveConfig
	err := load(
		into(&c.http),
		into(&c.stream),
		into(&c.pg),
		into(&c.jwt),
		into(&c.poller),
		into(&c.processor),
		into(&c.registry),
		into(&c.gateway),
	)
	if err != nil {
		return serveConfig{}, fmt.Errorf("load config: %w", err)
	}
	return c, nil
}

func serve(ctx context.Context, log *slog.Logger) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}
	m := metrics.New()

	be, err := openBackend(ctx, cfg.stream, log)
	if err != nil {
		return err
	}
	defer be.close()

	pool, err := pg.Connect(ctx, cfg.pg)
	if err != nil {
		return err
	}
	defer pool.Close()

	tokens, err := jwt.FromConfig(cfg.jwt)
	if err != nil {
		return err
	}

	regOpts := []registry.Option{registry.WithLogger(log), registry.WithMetrics(m)}
	if be.redis != nil {
		limits, err := ratelimit.NewRedisStore(be.redis, limiterKeyPrefix)
		if err != nil {
			return err
		}
		regOpts = append(regOpts, registry.WithLimiterStore(limits))
	}
	reg, err := registry.New(cfg.registry, regOpts...)
	if err != nil {
		return err
	}
	defer reg.Close()

	var snapshots poller.SnapshotStore = poller.NewMemoryStore()
	if be.redis != nil {
		snapshots = poller.NewCachedStore(
			poller.NewRedisStore(be.redis, snapshotKeyPrefix),
			cfg.poller.CacheSize,
			cfg.poller.CacheTTL,
		)
	}

	publisher := stream.NewPublisher(be.store,
		stream.WithPublishRetry(backoff.Default(), cfg.stream.PublishAttempts),
		stream.WithPublisherLogger(log),
		stream.WithPublisherMetrics(m),
	)

	watchlist := poller.NewWatchlist(cfg.poller.SearchLimit)
	poll, err := poller.New(
		poller.NewPGSource(pool, cfg.pg.QueryTimeout),
		snapshots,
		publisher,
		cfg.poller,
		poller.WithLogger(log),
		poller.WithMetrics(m),
		poller.WithWatchlist(watchlist),
	)
	if err != nil {
		return err
	}

	broadcaster := fanout.New(reg,
		fanout.WithLogger(log),
		fanout.WithSearchLimit(cfg.poller.SearchLimit),
	)
	processors := processor.NewPool(be.store, event.Partitions(), cfg.processor,
		processor.WithLogger(log),
		processor.WithMetrics(m),
		processor.WithHandlers(processor.FanOutHandlers(broadcaster, fanout.ErrEncode)...),
	)

	trimmer := stream.NewTrimmer(
		be.store,
		cfg.stream.Retention(),
		cfg.stream.TrimInterval,
		append(event.Partitions(), event.PartitionDeadLetter),
		log,
		m,
	)

	gw, err := gateway.New(reg, cfg.gateway,
		gateway.WithLogger(log),
		gateway.WithMetrics(m),
		gateway.WithVerifier(gateway.JWTVerifier(tokens)),
		gateway.WithWatcher(watchlist),
		gateway.WithSnapshots(snapshots),
	)
	if err != nil {
		return err
	}
	defer gw.Close()

	checks := append([]httpserver.Check{
		{Name: "stream", Fn: be.store.Ping},
		{Name: "postgres", Fn: pg.Healthcheck(pool)},
	}, be.checks...)

	handler := ops.New(
		ops.WithLogger(log),
		ops.WithMetrics(m),
		ops.WithProcessors(processors),
		ops.WithPoller(poll),
		ops.WithConnections(reg),
		ops.WithChecks(checks...),
		ops.WithAdmin(tokens, publisher, stream.NewDeadLetters(be.store, publisher, log)),
		ops.WithWebSocket(cfg.gateway.Path, gw.Routes()),
	)

	// Hijacked WebSocket connections are not tracked by http.Server.Shutdown.
	server := httpserver.NewFromConfig(cfg.http,
		httpserver.WithLogger(log),
		httpserver.WithShutdownHook(func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n := reg.CloseAll(closeCtx, shutdownReason)
			log.InfoContext(closeCtx, "closed client connections", slog.Int("count", n))
		}),
	)

	log.InfoContext(ctx, "starting bedwatch",
		slog.String("addr", cfg.http.Addr),
		slog.String("stream_backend", cfg.stream.Backend),
		slog.String("ws_path", cfg.gateway.Path),
	)

	// The poller publishes from its first cycle; groups must exist by then.
	if err := processors.EnsureGroups(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(processors.Run(gctx))
	g.Go(poll.Run(gctx))
	g.Go(trimmer.Run(gctx))
	g.Go(reg.RunSweeper(gctx))
	g.Go(server.Run(gctx, handler.Routes()))

	if err := g.Wait(); err != nil {
		log.ErrorContext(ctx, "bedwatch stopped with error", logger.Error(err))
		return err
	}
	log.InfoContext(ctx, "bedwatch stopped")
	return nil
}
