package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
)

// Trimmer periodically applies retention to a set of partitions.
type Trimmer struct {
	store      Store
	partitions []event.Partition
	retention  Retention
	interval   time.Duration
	logger     *slog.Logger
	metrics    *metrics.Registry
}

// NewTrimmer creates a trimmer for the given partitions.
func NewTrimmer(store Store, retention Retention, interval time.Duration, partitions []event.Partition, l *slog.Logger, m *metrics.Registry) *Trimmer {
	if l == nil {
		l = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Trimmer{
		store:      store,
		partitions: partitions,
		retention:  retention,
		interval:   interval,
		logger:     l,
		metrics:    m,
	}
}

// TrimOnce applies retention to every partition and returns the total removed.
// Failures are logged per partition and do not stop the others.
func (t *Trimmer) TrimOnce(ctx context.Context) int64 {
	var total int64
	for _, p := range t.partitions {
		n, err := t.store.Trim(ctx, p, t.retention)
		if err != nil {
			t.logger.WarnContext(ctx, "stream trim failed",
				logger.Component("stream.trimmer"),
				logger.Partition(string(p)),
				logger.Error(err),
			)
			continue
		}
		total += n
	}
	if total > 0 {
		t.metrics.Add(metrics.EntriesTrimmed, total)
		t.logger.DebugContext(ctx, "stream trimmed", logger.Component("stream.trimmer"), slog.Int64("removed", total))
	}
	return total
}

// Run returns a function suitable for errgroup that trims until ctx is done.
func (t *Trimmer) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				t.TrimOnce(ctx)
			}
		}
	}
}
