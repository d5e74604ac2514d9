package poller

import (
	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// Diff computes the change set from prev to next. A nil prev describes a facility seen
// for the first time: every field is reported with a nil From.
func Diff(prev *Snapshot, next Snapshot) event.ChangeSet {
	if prev == nil {
		return event.ChangeSet{
			AvailableBeds:      event.NewIntChange(nil, next.AvailableBeds),
			TotalBeds:          event.NewIntChange(nil, next.TotalBeds),
			WaitingListCount:   event.NewIntChange(nil, next.WaitingListCount),
			Status:             event.NewStringChange(nil, next.Status),
			AvailabilityStatus: event.NewStringChange(nil, next.Availability()),
		}
	}

	var cs event.ChangeSet
	if prev.AvailableBeds != next.AvailableBeds {
		cs.AvailableBeds = event.NewIntChange(&prev.AvailableBeds, next.AvailableBeds)
	}
	if prev.TotalBeds != next.TotalBeds {
		cs.TotalBeds = event.NewIntChange(&prev.TotalBeds, next.TotalBeds)
	}
	if prev.WaitingListCount != next.WaitingListCount {
		cs.WaitingListCount = event.NewIntChange(&prev.WaitingListCount, next.WaitingListCount)
	}
	if prev.Status != next.Status {
		cs.Status = event.NewStringChange(&prev.Status, next.Status)
	}
	if from, to := prev.Availability(), next.Availability(); from != to {
		cs.AvailabilityStatus = event.NewStringChange(&from, to)
	}
	return cs
}

// Classify maps a change set to a priority. The result depends only on the change set
// and highDelta.
func Classify(cs event.ChangeSet, highDelta int) event.Priority {
	switch {
	case cs.AvailabilityTransition():
		return event.PriorityCritical
	case cs.AvailableBeds != nil && abs(cs.AvailableBeds.Delta) >= highDelta:
		return event.PriorityHigh
	case cs.AvailableBeds != nil || cs.TotalBeds != nil || cs.Status != nil:
		return event.PriorityMedium
	default:
		return event.PriorityLow
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
