package fanout

import (
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// Projections below are the allow-lists for audiences wider than the directly
// subscribed room. Adding a field here publishes it to every such client.

type availabilityStatusView struct {
	FacilityID         string    `json:"facilityId"`
	Name               string    `json:"name,omitempty"`
	AvailabilityStatus string    `json:"availabilityStatus"`
	PreviousStatus     string    `json:"previousAvailabilityStatus,omitempty"`
	AvailableBeds      int       `json:"availableBeds"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

func publicAvailability(p event.AvailabilityChanged) availabilityStatusView {
	v := availabilityStatusView{
		FacilityID:         p.FacilityID,
		Name:               p.Name,
		AvailabilityStatus: p.AvailabilityStatus,
		AvailableBeds:      p.AvailableBeds,
		LastUpdated:        p.LastUpdated,
	}
	if ch := p.Changes.AvailabilityStatus; ch != nil && ch.From != nil {
		v.PreviousStatus = *ch.From
	}
	return v
}

type statusView struct {
	FacilityID string `json:"facilityId"`
	Name       string `json:"name,omitempty"`
	OldStatus  string `json:"oldStatus"`
	NewStatus  string `json:"newStatus"`
}

func publicStatus(p event.StatusUpdated) statusView {
	return statusView{
		FacilityID: p.FacilityID,
		Name:       p.Name,
		OldStatus:  p.OldStatus,
		NewStatus:  p.NewStatus,
	}
}

type searchResultView struct {
	FacilityID    string  `json:"facilityId"`
	Name          string  `json:"name"`
	AvailableBeds int     `json:"availableBeds"`
	TotalBeds     int     `json:"totalBeds"`
	OccupancyRate float64 `json:"occupancyRate"`
	Status        string  `json:"status"`
}

type searchView struct {
	Query   string             `json:"query"`
	Results []searchResultView `json:"results"`
	Total   int                `json:"total"`
}

func publicSearch(p event.SearchResultsUpdated, limit int) searchView {
	results := p.Results
	if len(results) > limit {
		results = results[:limit]
	}
	v := searchView{
		Query:   p.Query,
		Results: make([]searchResultView, 0, len(results)),
		Total:   p.Total,
	}
	if v.Total < len(p.Results) {
		v.Total = len(p.Results)
	}
	for _, r := range results {
		v.Results = append(v.Results, searchResultView{
			FacilityID:    r.FacilityID,
			Name:          r.Name,
			AvailableBeds: r.AvailableBeds,
			TotalBeds:     r.TotalBeds,
			OccupancyRate: r.OccupancyRate,
			Status:        r.Status,
		})
	}
	return v
}

type maintenanceView struct {
	Enabled  bool       `json:"enabled"`
	Message  string     `json:"message"`
	StartsAt *time.Time `json:"startsAt,omitempty"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
}

func publicMaintenance(p event.MaintenanceMode) maintenanceView {
	return maintenanceView{
		Enabled:  p.Enabled,
		Message:  p.Message,
		StartsAt: p.StartsAt,
		EndsAt:   p.EndsAt,
	}
}

type announcementView struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func publicAnnouncement(p event.Announcement) announcementView {
	return announcementView{Title: p.Title, Message: p.Message, Level: p.Level}
}

type alertView struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func publicAlert(p event.SystemAlert) alertView {
	return alertView{Severity: p.Severity, Message: p.Message}
}

type notificationView struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func publicNotification(p event.UserNotification) notificationView {
	return notificationView{Title: p.Title, Message: p.Message, Level: p.Level}
}
