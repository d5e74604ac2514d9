package poller

import (
	"fmt"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// Snapshot is the last observed availability of one facility.
type Snapshot struct {
	FacilityID       string    `json:"facilityId"`
	Name             string    `json:"name"`
	AvailableBeds    int       `json:"availableBeds"`
	TotalBeds        int       `json:"totalBeds"`
	WaitingListCount int       `json:"waitingListCount"`
	Status           string    `json:"status"`
	OccupancyRate    float64   `json:"occupancyRate"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// OccupancyRate returns (total-available)/total, or 0 when total is 0.
func OccupancyRate(available, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(total-available) / float64(total)
}

// Normalize recomputes the occupancy rate and validates the snapshot.
func (s Snapshot) Normalize() (Snapshot, error) {
	if s.FacilityID == "" {
		return s, fmt.Errorf("%w: empty facility id", ErrInvalidSnapshot)
	}
	s.OccupancyRate = OccupancyRate(s.AvailableBeds, s.TotalBeds)
	s.LastUpdated = s.LastUpdated.UTC()
	return s, nil
}

// Equal reports whether both snapshots hold the same values.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.FacilityID == o.FacilityID &&
		s.Name == o.Name &&
		s.AvailableBeds == o.AvailableBeds &&
		s.TotalBeds == o.TotalBeds &&
		s.WaitingListCount == o.WaitingListCount &&
		s.Status == o.Status &&
		s.OccupancyRate == o.OccupancyRate &&
		s.LastUpdated.Equal(o.LastUpdated)
}

// Availability returns "available" when the facility has free beds.
func (s Snapshot) Availability() string {
	return event.AvailabilityOf(s.AvailableBeds)
}

// SearchResult converts the snapshot into a search result row.
func (s Snapshot) SearchResult() event.SearchResult {
	return event.SearchResult{
		FacilityID:       s.FacilityID,
		Name:             s.Name,
		AvailableBeds:    s.AvailableBeds,
		TotalBeds:        s.TotalBeds,
		WaitingListCount: s.WaitingListCount,
		OccupancyRate:    s.OccupancyRate,
		Status:           s.Status,
		LastUpdated:      s.LastUpdated,
	}
}
