package stream

import (
	"context"
	"strconv"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// MaxDeliveryCount is the delivery count at which a failing entry is dead-lettered.
const MaxDeliveryCount = 5

// StartPosition selects where a newly created consumer group begins reading.
type StartPosition string

const (
	// StartNew delivers only entries appended after the group is created.
	StartNew StartPosition = "$"
	// StartBeginning delivers every entry still retained in the partition.
	StartBeginning StartPosition = "0"
)

// Entry is one record read from a partition.
type Entry struct {
	ID            string
	Partition     event.Partition
	Data          []byte
	DeliveryCount int64
	// Fields carries backend metadata, such as dead-letter details.
	Fields map[string]string
}

// Retention bounds how much of a partition is kept. Zero values disable the bound.
type Retention struct {
	MaxLen int64
	MaxAge time.Duration
}

// Store is a partitioned append log with consumer groups.
type Store interface {
	// Publish appends data and returns the entry ID. It never waits for consumers.
	Publish(ctx context.Context, partition event.Partition, data []byte) (string, error)
	// CreateGroup creates a consumer group. Creating an existing group is not an error.
	CreateGroup(ctx context.Context, partition event.Partition, group string, start StartPosition) error
	// ReadBatch delivers up to count new entries to consumer, waiting at most block.
	// It returns an empty slice when nothing arrived in time.
	ReadBatch(ctx context.Context, partition event.Partition, group, consumer string, count int, block time.Duration) ([]Entry, error)
	// ClaimStale transfers entries pending longer than minIdle to consumer and redelivers them.
	ClaimStale(ctx context.Context, partition event.Partition, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)
	// Ack removes entries from the group's pending set.
	Ack(ctx context.Context, partition event.Partition, group string, ids ...string) error
	// PendingCount returns the pending entries of consumer, or of the whole group when consumer is empty.
	PendingCount(ctx context.Context, partition event.Partition, group, consumer string) (int64, error)
	// DeliveryCount returns how many times the pending entry was delivered, 0 when not pending.
	DeliveryCount(ctx context.Context, partition event.Partition, group, id string) (int64, error)
	// DeadLetter appends the entry to the dead-letter partition. The caller acks the original.
	DeadLetter(ctx context.Context, partition event.Partition, entry Entry, reason string) (string, error)
	// Range returns up to count of the oldest retained entries.
	Range(ctx context.Context, partition event.Partition, count int64) ([]Entry, error)
	// Delete removes entries. Only operator tooling on the dead-letter partition uses it.
	Delete(ctx context.Context, partition event.Partition, ids ...string) (int64, error)
	// Trim applies retention and returns the number of removed entries.
	Trim(ctx context.Context, partition event.Partition, retention Retention) (int64, error)
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

// Dead-letter entry fields.
const (
	FieldData              = "data"
	FieldOriginalPartition = "original_partition"
	FieldOriginalID        = "original_id"
	FieldReason            = "reason"
	FieldDeliveryCount     = "delivery_count"
	FieldFailedAt          = "failed_at"
)

// DeadLetterRecord describes an entry moved to the dead-letter partition.
type DeadLetterRecord struct {
	ID                string
	OriginalPartition event.Partition
	OriginalID        string
	Reason            string
	DeliveryCount     int64
	FailedAt          time.Time
	Data              []byte
}

// deadLetterFields builds the metadata stored next to a dead-lettered payload.
func deadLetterFields(partition event.Partition, entry Entry, reason string, now time.Time) map[string]string {
	return map[string]string{
		FieldOriginalPartition: string(partition),
		FieldOriginalID:        entry.ID,
		FieldReason:            reason,
		FieldDeliveryCount:     strconv.FormatInt(entry.DeliveryCount, 10),
		FieldFailedAt:          now.UTC().Format(time.RFC3339Nano),
	}
}

// ParseDeadLetter extracts dead-letter metadata from an entry of the dead-letter partition.
func ParseDeadLetter(e Entry) DeadLetterRecord {
	rec := DeadLetterRecord{
		ID:                e.ID,
		OriginalPartition: event.Partition(e.Fields[FieldOriginalPartition]),
		OriginalID:        e.Fields[FieldOriginalID],
		Reason:            e.Fields[FieldReason],
		Data:              e.Data,
	}
	rec.DeliveryCount, _ = strconv.ParseInt(e.Fields[FieldDeliveryCount], 10, 64)
	rec.FailedAt, _ = time.Parse(time.RFC3339Nano, e.Fields[FieldFailedAt])
	return rec
}
