package stream

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
)

// Publisher encodes events and appends them to the partition of their type.
type Publisher struct {
	store    Store
	retry    backoff.Strategy
	attempts int
	logger   *slog.Logger
	metrics  *metrics.Registry
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublishRetry sets the retry strategy and the maximum number of attempts.
func WithPublishRetry(s backoff.Strategy, attempts int) PublisherOption {
	return func(p *Publisher) {
		if s != nil {
			p.retry = s
		}
		if attempts > 0 {
			p.attempts = attempts
		}
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPublisherMetrics records publish counters.
func WithPublisherMetrics(m *metrics.Registry) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher creates a publisher that retries up to 5 times with the default backoff.
func NewPublisher(store Store, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:    store,
		retry:    backoff.Default(),
		attempts: 5,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish appends ev to its partition and returns the entry ID.
// Encoding errors are returned immediately; storage errors are retried.
func (p *Publisher) Publish(ctx context.Context, ev *event.Event) (string, error) {
	partition := ev.Partition()
	if partition == "" {
		return "", errors.Join(ErrInvalidPartition, event.ErrUnknownType)
	}
	data, err := event.Marshal(ev)
	if err != nil {
		return "", err
	}

	var id string
	err = backoff.Retry(ctx, p.retry, p.attempts, func(ctx context.Context) error {
		var perr error
		id, perr = p.store.Publish(ctx, partition, data)
		if errors.Is(perr, ErrInvalidPartition) {
			return backoff.Permanent(perr)
		}
		if perr != nil {
			p.logger.WarnContext(ctx, "publish attempt failed",
				logger.Component("stream.publisher"),
				logger.Partition(string(partition)),
				logger.EventType(string(ev.Type)),
				logger.Error(perr),
			)
		}
		return perr
	})
	if err != nil {
		p.metrics.Inc(metrics.PublishFailures)
		return "", err
	}

	p.metrics.Inc(metrics.EventsPublished)
	return id, nil
}
