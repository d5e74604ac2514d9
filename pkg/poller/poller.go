package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
)

// EventSource is set on every event the poller publishes.
const EventSource = "availability-poller"

// Publisher appends events to the stream. *stream.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev *event.Event) (string, error)
}

// Status describes the poller for the status endpoint.
type Status struct {
	Seeded    bool      `json:"seeded"`
	LastCheck time.Time `json:"last_check"`
	Cycles    int64     `json:"cycles"`
	Changes   int64     `json:"changes"`
	Searches  int       `json:"searches"`
	LastError string    `json:"last_error,omitempty"`
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics records poll counters into m.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithWatchlist enables saved-search evaluation after cycles with changes.
func WithWatchlist(w *Watchlist) Option {
	return func(p *Poller) { p.watchlist = w }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// Poller detects availability changes and publishes them.
type Poller struct {
	source    Source
	store     SnapshotStore
	publisher Publisher
	watchlist *Watchlist
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Registry
	now       func() time.Time

	// cycle serializes Seed and Poll.
	cycle sync.Mutex

	mu        sync.RWMutex
	seeded    bool
	lastCheck time.Time
	cycles    int64
	changes   int64
	lastError string
}

// New creates a poller. A nil store defaults to a MemoryStore.
func New(source Source, store SnapshotStore, publisher Publisher, cfg Config, opts ...Option) (*Poller, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	if store == nil {
		store = NewMemoryStore()
	}

	p := &Poller{
		source:    source,
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(logger.Component("poller"))
	return p, nil
}

// Store returns the snapshot store.
func (p *Poller) Store() SnapshotStore { return p.store }

// Watchlist returns the saved-search watchlist, or nil.
func (p *Poller) Watchlist() *Watchlist { return p.watchlist }

// Status returns counters of past cycles.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Status{
		Seeded:    p.seeded,
		LastCheck: p.lastCheck,
		Cycles:    p.cycles,
		Changes:   p.changes,
		LastError: p.lastError,
	}
	if p.watchlist != nil {
		s.Searches = p.watchlist.Len()
	}
	return s
}

// Seed loads the active facilities. Facilities already present in the store are diffed
// and their changes published; unknown ones are stored without an event.
func (p *Poller) Seed(ctx context.Context) (int, error) {
	p.cycle.Lock()
	defer p.cycle.Unlock()
	return p.seed(ctx)
}

func (p *Poller) seed(ctx context.Context) (int, error) {
	start := p.now()
	rows, err := p.query(ctx, p.source.Active)
	if err != nil {
		return 0, p.fail(err)
	}

	var (
		changed int
		seeded  int
		errs    []error
	)
	for _, row := range rows {
		if row.Status != event.StatusActive {
			continue
		}
		prev, ok, err := p.store.Get(ctx, row.FacilityID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			if err := p.store.Put(ctx, row); err != nil {
				errs = append(errs, err)
				continue
			}
			seeded++
			continue
		}
		published, err := p.apply(ctx, row, &prev)
		if published {
			changed++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	p.seeded = true
	p.lastCheck = start
	p.changes += int64(changed)
	p.mu.Unlock()

	p.log.InfoContext(ctx, "snapshot seeded",
		slog.Int("facilities", len(rows)),
		slog.Int("new", seeded),
		slog.Int("changed", changed),
	)
	if changed > 0 {
		p.publishSearches(ctx)
	}
	return changed, p.fail(errors.Join(errs...))
}

// Poll runs one cycle: facilities updated since the previous cycle are diffed and their
// changes published. The first call seeds instead. It returns the number of published
// availability events.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	p.mu.RLock()
	seeded, since := p.seeded, p.lastCheck
	p.mu.RUnlock()
	if !seeded {
		return p.seed(ctx)
	}

	start := p.now()
	rows, err := p.query(ctx, func(ctx context.Context) ([]Snapshot, error) {
		return p.source.UpdatedSince(ctx, since)
	})
	p.metrics.Inc(metrics.PollCycles)
	if err != nil {
		p.metrics.Inc(metrics.PollErrors)
		return 0, p.fail(err)
	}

	var (
		changed int
		errs    []error
	)
	for _, row := range rows {
		var prevPtr *Snapshot
		prev, ok, err := p.store.Get(ctx, row.FacilityID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			prevPtr = &prev
		}
		published, err := p.apply(ctx, row, prevPtr)
		if published {
			changed++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	p.mu.Lock()
	p.cycles++
	p.changes += int64(changed)
	// A failed row keeps the window open so the next cycle sees it again.
	if len(errs) == 0 {
		p.lastCheck = start
	}
	p.mu.Unlock()

	p.metrics.Add(metrics.ChangesDetected, int64(changed))
	if changed > 0 {
		p.log.InfoContext(ctx, "availability changes published",
			slog.Int("rows", len(rows)),
			slog.Int("changed", changed),
		)
		p.publishSearches(ctx)
	}
	if len(errs) > 0 {
		p.metrics.Inc(metrics.PollErrors)
	}
	return changed, p.fail(errors.Join(errs...))
}

// apply publishes the change from prev to row and then stores row. It reports whether
// an event was published. Nothing is stored when publishing fails.
func (p *Poller) apply(ctx context.Context, row Snapshot, prev *Snapshot) (bool, error) {
	row, err := row.Normalize()
	if err != nil {
		return false, err
	}

	cs := Diff(prev, row)
	if cs.Empty() {
		if !prev.Equal(row) {
			return false, p.store.Put(ctx, row)
		}
		return false, nil
	}

	now := p.now()
	priority := Classify(cs, p.cfg.HighDelta)
	ev := event.New(event.AvailabilityChanged{
		FacilityID:         row.FacilityID,
		Name:               row.Name,
		AvailableBeds:      row.AvailableBeds,
		TotalBeds:          row.TotalBeds,
		WaitingListCount:   row.WaitingListCount,
		Status:             row.Status,
		AvailabilityStatus: row.Availability(),
		OccupancyRate:      row.OccupancyRate,
		Changes:            cs,
		IsNew:              prev == nil,
		RecentlyUpdated:    p.cfg.RecentWindow > 0 && now.Sub(row.LastUpdated) <= p.cfg.RecentWindow,
		LastUpdated:        row.LastUpdated,
	},
		event.WithPriority(priority),
		event.WithSource(EventSource),
		event.WithTimestamp(now),
	)

	if _, err := p.publisher.Publish(ctx, ev); err != nil {
		p.log.WarnContext(ctx, "publishing availability change failed, will retry next cycle",
			logger.FacilityID(row.FacilityID),
			logger.Error(err),
		)
		return false, fmt.Errorf("publish %s: %w", row.FacilityID, err)
	}

	p.log.DebugContext(ctx, "availability change published",
		logger.FacilityID(row.FacilityID),
		logger.EventID(ev.ID),
		logger.Priority(priority),
	)
	if err := p.store.Put(ctx, row); err != nil {
		return true, fmt.Errorf("store %s: %w", row.FacilityID, err)
	}
	return true, nil
}

// publishSearches re-evaluates saved searches and publishes changed result sets.
func (p *Poller) publishSearches(ctx context.Context) {
	if p.watchlist == nil {
		return
	}
	updates, err := p.watchlist.Evaluate(ctx, p.store)
	if err != nil {
		p.log.WarnContext(ctx, "evaluating saved searches failed", logger.Error(err))
	}
	for _, u := range updates {
		ev := event.New(u, event.WithSource(EventSource), event.WithTimestamp(p.now()))
		if _, err := p.publisher.Publish(ctx, ev); err != nil {
			p.log.WarnContext(ctx, "publishing search results failed", logger.Error(err))
			continue
		}
		p.watchlist.Commit(u)
	}
}

func (p *Poller) query(ctx context.Context, fn func(context.Context) ([]Snapshot, error)) ([]Snapshot, error) {
	var rows []Snapshot
	err := backoff.Retry(ctx, p.cfg.Backoff, p.cfg.QueryAttempts, func(ctx context.Context) error {
		var err error
		rows, err = fn(ctx)
		return err
	})
	return rows, err
}

// fail records err as the last error and returns it.
func (p *Poller) fail(err error) error {
	p.mu.Lock()
	if err != nil {
		p.lastError = err.Error()
	} else {
		p.lastError = ""
	}
	p.mu.Unlock()
	return err
}

// Run returns the poll loop for errgroup. Cycle errors are logged and the loop carries
// on; it returns nil once ctx is done.
func (p *Poller) Run(ctx context.Context) func() error {
	return func() error {
		if _, err := p.Seed(ctx); err != nil && ctx.Err() == nil {
			p.log.ErrorContext(ctx, "initial snapshot failed", logger.Error(err))
		}

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.log.InfoContext(ctx, "poller stopped")
				return nil
			case <-ticker.C:
				start := time.Now()
				if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
					p.log.WarnContext(ctx, "poll cycle failed",
						logger.Duration(time.Since(start)),
						logger.Error(err),
					)
				}
			}
		}
	}
}
