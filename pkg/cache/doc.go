// Package cache provides a generic thread-safe LRU cache with optional expiry.
//
// The stream processor keeps recently processed event IDs in one to recognize
// redeliveries, and the poller fronts its snapshot store with another.
//
//	seen := cache.New[string, struct{}](10_000, cache.WithTTL[string, struct{}](time.Hour))
//	if !seen.Add(ev.ID, struct{}{}) {
//		// already handled
//	}
package cache
