// Package stream implements the durable, partitioned event log the pipeline runs on.
//
// The Store interface models Redis Streams semantics: append-only partitions, consumer
// groups with a durable cursor, a pending-entry table with delivery counts, blocking batch
// reads and a dead-letter partition. Three backends are provided:
//
//   - RedisStore: Redis Streams (XADD, XREADGROUP, XACK, XPENDING, XAUTOCLAIM, XTRIM).
//   - JetStreamStore: NATS JetStream streams with durable pull consumers.
//   - MemoryStore: in-process log for tests and single-node development.
//
// Publisher sits on top of a Store and publishes events to the partition of their type,
// retrying transient failures with the shared backoff policy:
//
//	store := stream.NewRedisStore(client, stream.WithKeyPrefix("bedwatch"))
//	pub := stream.NewPublisher(store)
//	id, err := pub.Publish(ctx, ev)
//
// Trimmer enforces count and age retention on every partition in the background.
package stream
