package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
)

// ErrNotReplayable is returned for dead letters whose payload no longer decodes.
var ErrNotReplayable = errors.New("stream: dead letter cannot be replayed")

// DeadLetters inspects and drains the dead-letter partition.
type DeadLetters struct {
	store     Store
	publisher *Publisher
	log       *slog.Logger
}

// NewDeadLetters returns dead-letter tooling over store. Replays go through publisher.
func NewDeadLetters(store Store, publisher *Publisher, log *slog.Logger) *DeadLetters {
	if log == nil {
		log = slog.Default()
	}
	return &DeadLetters{
		store:     store,
		publisher: publisher,
		log:       log.With(logger.Component("stream.deadletters")),
	}
}

// List returns up to limit of the oldest dead letters. A limit of 0 returns all.
func (d *DeadLetters) List(ctx context.Context, limit int64) ([]DeadLetterRecord, error) {
	entries, err := d.store.Range(ctx, event.PartitionDeadLetter, limit)
	if err != nil {
		return nil, err
	}
	recs := make([]DeadLetterRecord, len(entries))
	for i, e := range entries {
		recs[i] = ParseDeadLetter(e)
	}
	return recs, nil
}

// Find returns the dead letters with the given IDs, in partition order.
func (d *DeadLetters) Find(ctx context.Context, ids ...string) ([]DeadLetterRecord, error) {
	all, err := d.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(r DeadLetterRecord) bool {
		return !slices.Contains(ids, r.ID)
	}), nil
}

// Replay republishes each record with its retry state reset and deletes it from the
// dead-letter partition once the publish succeeded. It returns how many were replayed;
// failures are joined into the error and leave their record in place.
func (d *DeadLetters) Replay(ctx context.Context, recs ...DeadLetterRecord) (int, error) {
	var (
		replayed int
		errs     []error
	)
	for _, rec := range recs {
		if err := d.replay(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("replay %s: %w", rec.ID, err))
			continue
		}
		replayed++
	}
	return replayed, errors.Join(errs...)
}

func (d *DeadLetters) replay(ctx context.Context, rec DeadLetterRecord) error {
	ev, err := event.Unmarshal(rec.Data)
	if err != nil {
		return errors.Join(ErrNotReplayable, err)
	}
	ev.RetryCount = 0
	ev.Processed = false
	ev.ProcessedAt = nil

	id, err := d.publisher.Publish(ctx, ev)
	if err != nil {
		return err
	}
	if _, err := d.store.Delete(ctx, event.PartitionDeadLetter, rec.ID); err != nil {
		return fmt.Errorf("republished as %s but delete failed: %w", id, err)
	}

	d.log.InfoContext(ctx, "dead letter replayed",
		logger.EntryID(rec.ID),
		logger.EventID(ev.ID),
		logger.Partition(string(ev.Partition())),
		slog.String("new_entry_id", id),
	)
	return nil
}

// Purge deletes the given dead letters, or every dead letter when no IDs are given.
func (d *DeadLetters) Purge(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		all, err := d.List(ctx, 0)
		if err != nil {
			return 0, err
		}
		for _, r := range all {
			ids = append(ids, r.ID)
		}
		if len(ids) == 0 {
			return 0, nil
		}
	}

	n, err := d.store.Delete(ctx, event.PartitionDeadLetter, ids...)
	if err != nil {
		return n, err
	}
	d.log.InfoContext(ctx, "dead letters purged", slog.Int64("count", n))
	return n, nil
}
