// Package processor consumes event partitions and dispatches entries to handlers.
//
// One Processor serves one partition for one consumer group. Its loop reads a batch,
// decodes each entry, runs the handler registered for the event type and acks only
// after the handler succeeded. A failing entry stays pending and is retried on
// redelivery until its delivery count reaches stream.MaxDeliveryCount, at which point
// it is moved to the dead-letter partition and acked. Entries that can never succeed
// (undecodable, unknown type, no handler, permanent handler error) are dead-lettered
// right away.
//
// Read errors put the loop into exponential backoff. Entries left pending by a crashed
// consumer are reclaimed periodically. A small cache of processed event IDs makes
// redelivered, already-handled events a no-op.
//
// Pool runs one Processor per partition and aggregates their status.
package processor
