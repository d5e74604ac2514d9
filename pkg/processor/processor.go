package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
	"github.com/dmitrymomot/bedwatch/pkg/cache"
	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/metrics"
	"github.com/dmitrymomot/bedwatch/pkg/stream"
)

// ErrDuplicateHandler is returned when a second handler is registered for a type.
var ErrDuplicateHandler = errors.New("processor: handler already registered for type")

// State is the phase of the consume loop.
type State string

const (
	StateIdle        State = "idle"
	StateReading     State = "reading"
	StateDispatching State = "dispatching"
	StateAcking      State = "acking"
	StateBackoff     State = "backoff"
	StateStopped     State = "stopped"
)

// Status is a snapshot of a processor for the status endpoint.
type Status struct {
	Partition    event.Partition `json:"partition"`
	Group        string          `json:"group"`
	Consumer     string          `json:"consumer"`
	State        State           `json:"state"`
	Processed    int64           `json:"processed"`
	Failed       int64           `json:"failed"`
	DeadLettered int64           `json:"dead_lettered"`
	Duplicates   int64           `json:"duplicates"`
	LastError    string          `json:"last_error,omitempty"`
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics records processing counters into m.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithHandlers registers handlers at construction. Duplicates panic.
func WithHandlers(handlers ...Handler) Option {
	return func(p *Processor) {
		for _, h := range handlers {
			if err := p.Register(h); err != nil {
				panic(err)
			}
		}
	}
}

// Processor consumes one partition for one consumer group.
type Processor struct {
	store     stream.Store
	partition event.Partition
	cfg       Config
	consumer  string
	log       *slog.Logger
	metrics   *metrics.Registry

	mu       sync.RWMutex
	handlers map[event.Type]Handler

	seen *cache.LRU[string, struct{}]

	state        atomic.Value
	lastError    atomic.Value
	processed    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	duplicates   atomic.Int64
}

// New creates a processor for partition.
func New(store stream.Store, partition event.Partition, cfg Config, opts ...Option) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{
		store:     store,
		partition: partition,
		cfg:       cfg,
		consumer:  cfg.ConsumerName(),
		log:       slog.Default(),
		handlers:  make(map[event.Type]Handler),
	}
	var cacheOpts []cache.Option[string, struct{}]
	if cfg.DedupTTL > 0 {
		cacheOpts = append(cacheOpts, cache.WithTTL[string, struct{}](cfg.DedupTTL))
	}
	p.seen = cache.New(cfg.DedupSize, cacheOpts...)
	p.state.Store(StateIdle)

	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(
		logger.Component("processor"),
		logger.Partition(string(partition)),
		logger.ConsumerGroup(cfg.Group),
		logger.Consumer(p.consumer),
	)
	return p
}

// Register adds h. Only one handler per event type is allowed.
func (p *Processor) Register(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[h.Type()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Type())
	}
	p.handlers[h.Type()] = h
	return nil
}

// Partition returns the partition this processor consumes.
func (p *Processor) Partition() event.Partition { return p.partition }

// Status returns the current loop state and counters.
func (p *Processor) Status() Status {
	s := Status{
		Partition:    p.partition,
		Group:        p.cfg.Group,
		Consumer:     p.consumer,
		State:        p.state.Load().(State),
		Processed:    p.processed.Load(),
		Failed:       p.failed.Load(),
		DeadLettered: p.deadLettered.Load(),
		Duplicates:   p.duplicates.Load(),
	}
	if err, ok := p.lastError.Load().(string); ok {
		s.LastError = err
	}
	return s
}

// Run returns the consume loop for errgroup. It ensures the consumer group exists, then
// reads until ctx is done. A batch that is already being dispatched is finished and
// acked even if ctx is cancelled meanwhile.
func (p *Processor) Run(ctx context.Context) func() error {
	return func() error {
		defer p.setState(StateStopped)

		if err := p.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		p.log.InfoContext(ctx, "processor started")
		lastClaim := time.Now()
		attempt := 0

		for ctx.Err() == nil {
			if p.cfg.ClaimInterval > 0 && time.Since(lastClaim) >= p.cfg.ClaimInterval {
				lastClaim = time.Now()
				p.ReclaimStale(ctx)
			}

			p.setState(StateReading)
			entries, err := p.store.ReadBatch(ctx, p.partition, p.cfg.Group, p.consumer, p.cfg.BatchSize, p.cfg.Block)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				attempt++
				p.onReadError(ctx, err, attempt)
				continue
			}
			attempt = 0

			if len(entries) == 0 {
				p.setState(StateIdle)
				continue
			}
			p.ProcessBatch(context.WithoutCancel(ctx), entries)
		}

		p.log.InfoContext(ctx, "processor stopped")
		return nil
	}
}

// ProcessBatch dispatches entries in order and acks the ones that are done.
func (p *Processor) ProcessBatch(ctx context.Context, entries []stream.Entry) {
	p.setState(StateDispatching)
	ack := make([]string, 0, len(entries))
	for _, e := range entries {
		if p.process(ctx, e) {
			ack = append(ack, e.ID)
		}
	}

	if len(ack) == 0 {
		p.setState(StateIdle)
		return
	}

	p.setState(StateAcking)
	if err := p.store.Ack(ctx, p.partition, p.cfg.Group, ack...); err != nil {
		p.recordError(err)
		p.log.ErrorContext(ctx, "ack failed, entries will be redelivered",
			slog.Int("count", len(ack)),
			logger.Error(err),
		)
	}
	p.setState(StateIdle)
}

// ReclaimStale takes over entries left pending by other consumers and processes them.
func (p *Processor) ReclaimStale(ctx context.Context) int {
	entries, err := p.store.ClaimStale(ctx, p.partition, p.cfg.Group, p.consumer, p.cfg.ClaimMinIdle, p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WarnContext(ctx, "claiming stale entries failed", logger.Error(err))
		}
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	p.metrics.Add(metrics.EntriesReclaimed, int64(len(entries)))
	p.log.InfoContext(ctx, "reclaimed stale entries", slog.Int("count", len(entries)))
	p.ProcessBatch(context.WithoutCancel(ctx), entries)
	return len(entries)
}

// process handles one entry and reports whether it should be acked.
func (p *Processor) process(ctx context.Context, e stream.Entry) bool {
	ev, err := event.Unmarshal(e.Data)
	if err != nil {
		return p.deadLetter(ctx, e, "decode: "+err.Error())
	}

	log := p.log.With(logger.EntryID(e.ID), logger.EventID(ev.ID), logger.EventType(ev.Type.String()))

	if p.seen.Contains(ev.ID) {
		p.duplicates.Add(1)
		p.metrics.Inc(metrics.EventsDuplicate)
		log.DebugContext(ctx, "event already processed, acking redelivery")
		return true
	}

	p.mu.RLock()
	h, ok := p.handlers[ev.Type]
	p.mu.RUnlock()
	if !ok {
		return p.deadLetter(ctx, e, "no handler for "+ev.Type.String())
	}

	start := time.Now()
	if err := h.Handle(ctx, ev); err != nil {
		p.failed.Add(1)
		p.metrics.Inc(metrics.EventsFailed)
		p.recordError(err)

		if backoff.IsPermanent(err) {
			return p.deadLetter(ctx, e, "permanent: "+err.Error())
		}

		count := p.deliveryCount(ctx, e)
		log.WarnContext(ctx, "handler failed",
			logger.DeliveryCount(count),
			logger.Error(err),
		)
		if count >= stream.MaxDeliveryCount {
			e.DeliveryCount = count
			return p.deadLetter(ctx, e, fmt.Sprintf("max deliveries reached: %v", err))
		}
		return false
	}

	ev.MarkProcessed()
	p.seen.Add(ev.ID, struct{}{})
	p.processed.Add(1)
	p.metrics.Inc(metrics.EventsProcessed)
	log.DebugContext(ctx, "event processed",
		logger.Priority(ev.Priority),
		logger.Duration(time.Since(start)),
	)
	return true
}

// deliveryCount prefers the count reported with the entry and asks the store otherwise.
func (p *Processor) deliveryCount(ctx context.Context, e stream.Entry) int64 {
	if e.DeliveryCount > 0 {
		return e.DeliveryCount
	}
	n, err := p.store.DeliveryCount(ctx, p.partition, p.cfg.Group, e.ID)
	if err != nil {
		p.log.WarnContext(ctx, "delivery count lookup failed", logger.EntryID(e.ID), logger.Error(err))
		return 0
	}
	return n
}

// deadLetterAckAttempts bounds the immediate ack of a dead-lettered entry.
const deadLetterAckAttempts = 3

// deadLetter moves e to the dead-letter partition and acks it right away. An entry whose
// copy already exists, because an earlier ack was lost, is acked without a second copy.
func (p *Processor) deadLetter(ctx context.Context, e stream.Entry, reason string) bool {
	log := p.log.With(logger.EntryID(e.ID))

	existing, err := p.deadLetteredAs(ctx, e.ID)
	if err != nil {
		p.recordError(err)
		log.ErrorContext(ctx, "dead-letter lookup failed, entry stays pending", logger.Error(err))
		return false
	}
	if existing != "" {
		log.InfoContext(ctx, "entry already dead-lettered, acking redelivery",
			slog.String("dead_letter_id", existing),
		)
		p.ackDeadLettered(ctx, log, e.ID)
		return true
	}

	id, err := p.store.DeadLetter(ctx, p.partition, e, reason)
	if err != nil {
		p.recordError(err)
		log.ErrorContext(ctx, "dead-lettering failed, entry stays pending", logger.Error(err))
		return false
	}

	p.deadLettered.Add(1)
	p.metrics.Inc(metrics.EventsDeadLettered)
	log.WarnContext(ctx, "entry dead-lettered",
		slog.String("dead_letter_id", id),
		slog.String("reason", reason),
	)
	p.ackDeadLettered(ctx, log, e.ID)
	return true
}

// deadLetteredAs returns the dead-letter ID holding a copy of the entry with id from
// this partition, or "" when there is none.
func (p *Processor) deadLetteredAs(ctx context.Context, id string) (string, error) {
	entries, err := p.store.Range(ctx, event.PartitionDeadLetter, 0)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		rec := stream.ParseDeadLetter(e)
		if rec.OriginalID == id && rec.OriginalPartition == p.partition {
			return rec.ID, nil
		}
	}
	return "", nil
}

// ackDeadLettered acks a dead-lettered entry on its own, retrying a few times. The batch
// ack covers it again; a lost ack is caught by deadLetteredAs on redelivery.
func (p *Processor) ackDeadLettered(ctx context.Context, log *slog.Logger, id string) {
	err := backoff.Retry(ctx, p.cfg.Backoff, deadLetterAckAttempts, func(ctx context.Context) error {
		return p.store.Ack(ctx, p.partition, p.cfg.Group, id)
	})
	if err != nil {
		p.recordError(err)
		log.WarnContext(ctx, "acking dead-lettered entry failed", logger.Error(err))
	}
}

func (p *Processor) onReadError(ctx context.Context, err error, attempt int) {
	p.setState(StateBackoff)
	p.recordError(err)
	p.metrics.Inc(metrics.ReadErrors)

	delay := p.cfg.Backoff.Next(attempt)
	p.log.WarnContext(ctx, "stream read failed, backing off",
		logger.Attempt(attempt),
		logger.Duration(delay),
		logger.Error(err),
	)

	if errors.Is(err, stream.ErrGroupNotFound) {
		if gerr := p.store.CreateGroup(ctx, p.partition, p.cfg.Group, stream.StartNew); gerr != nil {
			p.log.WarnContext(ctx, "recreating consumer group failed", logger.Error(gerr))
		}
	}
	_ = backoff.Wait(ctx, delay)
}

// EnsureGroup creates the consumer group, retrying until it exists or ctx is done.
// Groups start at new entries, so callers create them before anything publishes.
func (p *Processor) EnsureGroup(ctx context.Context) error { return p.ensureGroup(ctx) }

func (p *Processor) ensureGroup(ctx context.Context) error {
	return backoff.Retry(ctx, p.cfg.Backoff, 0, func(ctx context.Context) error {
		err := p.store.CreateGroup(ctx, p.partition, p.cfg.Group, stream.StartNew)
		if err != nil {
			p.log.WarnContext(ctx, "creating consumer group failed", logger.Error(err))
		}
		return err
	})
}

func (p *Processor) setState(s State) { p.state.Store(s) }

func (p *Processor) recordError(err error) { p.lastError.Store(err.Error()) }
