package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/bedwatch/pkg/httpserver"
	"github.com/dmitrymomot/bedwatch/pkg/redis"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

// backend is the opened stream store plus the clients it owns.
type backend struct {
	store stream.Store
	// redis is set for the redis backend and shared with the snapshot store and
	// rate limiters.
	redis  *goredis.Client
	checks []httpserver.Check
	close  func()
}

func openBackend(ctx context.Context, cfg stream.Config, log *slog.Logger) (*backend, error) {
	log = log.With(slog.String("backend", cfg.Backend))

	switch cfg.Backend {
	case stream.BackendRedis:
		var rcfg redis.Config
		if err := load(into(&rcfg)); err != nil {
			return nil, err
		}
		client, err := redis.Connect(ctx, rcfg)
		if err != nil {
			return nil, err
		}
		log.InfoContext(ctx, "stream backend connected")
		return &backend{
			store:  stream.NewRedisStore(client, stream.WithKeyPrefix(cfg.KeyPrefix)),
			redis:  client,
			checks: []httpserver.Check{{Name: "redis", Fn: redis.Healthcheck(client)}},
			close:  func() { _ = client.Close() },
		}, nil

	case stream.BackendNATS:
		nc, err := stream.ConnectNATS(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store, err := stream.NewJetStreamStore(nc, jetStreamOptions(cfg)...)
		if err != nil {
			nc.Close()
			return nil, err
		}
		log.InfoContext(ctx, "stream backend connected", slog.String("url", cfg.NATSURL))
		return &backend{store: store, close: nc.Close}, nil

	case stream.BackendEmbedded:
		ns, err := stream.StartEmbeddedNATS(cfg.NATSDataDir)
		if err != nil {
			return nil, err
		}
		store, err := stream.NewJetStreamStore(ns.Conn(), jetStreamOptions(cfg)...)
		if err != nil {
			ns.Shutdown()
			return nil, err
		}
		log.InfoContext(ctx, "embedded jetstream started", slog.String("url", ns.ClientURL()), slog.String("data_dir", cfg.NATSDataDir))
		return &backend{store: store, close: ns.Shutdown}, nil

	case stream.BackendMemory:
		store := stream.NewMemoryStore()
		log.WarnContext(ctx, "using in-memory stream, events are lost on restart")
		return &backend{store: store, close: func() { _ = store.Close() }}, nil
	}

	return nil, fmt.Errorf("unknown STREAM_BACKEND %q", cfg.Backend)
}

func jetStreamOptions(cfg stream.Config) []stream.JetStreamOption {
	return []stream.JetStreamOption{
		stream.WithSubjectPrefix(cfg.KeyPrefix),
		stream.WithAckWait(cfg.AckWait),
		stream.WithStreamLimits(cfg.Retention()),
	}
}
