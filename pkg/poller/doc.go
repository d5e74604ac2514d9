// Package poller keeps a snapshot of facility availability and publishes the changes.
//
// A Poller reads facilities from a Source (PostgreSQL in production), compares every row
// with the previous Snapshot held by a SnapshotStore and publishes one
// event.AvailabilityChanged per facility whose tracked fields differ. The store is only
// written after a successful publish, so a change that could not be published is
// detected again on the next cycle.
//
// Priority is derived from the change set:
//
//	critical  available beds crossed zero in either direction
//	high      |delta available beds| >= Config.HighDelta
//	medium    any other bed or status change
//	low       waiting list only
//
// Snapshot stores keep two secondary indexes, by occupancy rate and by available beds.
// The Watchlist uses them to re-run saved searches after a cycle with changes and
// publishes event.SearchResultsUpdated when a result set moved.
package poller
