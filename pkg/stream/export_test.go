package stream

import "time"

// SetMemoryClock replaces the clock used for entry IDs, idle times and age trimming.
func SetMemoryClock(s *MemoryStore, now func() time.Time) {
	s.now = now
}
