package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload is implemented by every event variant.
type Payload interface {
	EventType() Type
}

type validator interface {
	Validate() error
}

type descriptor struct {
	partition Partition
	decode    func(json.RawMessage) (Payload, error)
}

var registry = map[Type]descriptor{
	TypeAvailabilityChanged:  {PartitionFacility, decodeAs[AvailabilityChanged]},
	TypeStatusUpdated:        {PartitionFacility, decodeAs[StatusUpdated]},
	TypeSearchResultsUpdated: {PartitionSearch, decodeAs[SearchResultsUpdated]},
	TypeUserNotification:     {PartitionUser, decodeAs[UserNotification]},
	TypeMaintenanceMode:      {PartitionSystem, decodeAs[MaintenanceMode]},
	TypeAnnouncement:         {PartitionSystem, decodeAs[Announcement]},
	TypeSystemAlert:          {PartitionSystem, decodeAs[SystemAlert]},
}

func decodeAs[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	if err := validatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodePayload decodes raw JSON into the payload registered for t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	d, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return d.decode(raw)
}

func validatePayload(p Payload) error {
	if v, ok := p.(validator); ok {
		if err := v.Validate(); err != nil {
			return errors.Join(ErrInvalidPayload, err)
		}
	}
	return nil
}

// Availability status derived from the available bed count.
const (
	AvailabilityAvailable   = "available"
	AvailabilityUnavailable = "unavailable"
)

// AvailabilityOf returns the availability status for the given bed count.
func AvailabilityOf(availableBeds int) string {
	if availableBeds > 0 {
		return AvailabilityAvailable
	}
	return AvailabilityUnavailable
}

// Facility statuses that widen status-update fan-out to every authenticated user.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusClosed   = "closed"
)

// IsCriticalStatus reports whether s is one of active, inactive or closed.
func IsCriticalStatus(s string) bool {
	switch strings.ToLower(s) {
	case StatusActive, StatusInactive, StatusClosed:
		return true
	}
	return false
}

// IntChange is a numeric field delta. From is nil for a facility seen for the first time.
type IntChange struct {
	From  *int `json:"from"`
	To    int  `json:"to"`
	Delta int  `json:"delta"`
}

// NewIntChange builds a change from an optional previous value.
// A nil from counts as zero for Delta.
func NewIntChange(from *int, to int) *IntChange {
	c := &IntChange{To: to, Delta: to}
	if from != nil {
		v := *from
		c.From = &v
		c.Delta = to - v
	}
	return c
}

// StringChange is a textual field transition. From is nil for a facility seen for the first time.
type StringChange struct {
	From *string `json:"from"`
	To   string  `json:"to"`
}

// NewStringChange builds a change from an optional previous value.
func NewStringChange(from *string, to string) *StringChange {
	c := &StringChange{To: to}
	if from != nil {
		v := *from
		c.From = &v
	}
	return c
}

// ChangeSet holds the per-field deltas of one facility between two snapshots.
// Unchanged fields are nil.
type ChangeSet struct {
	AvailableBeds      *IntChange    `json:"availableBeds,omitempty"`
	TotalBeds          *IntChange    `json:"totalBeds,omitempty"`
	WaitingListCount   *IntChange    `json:"waitingListCount,omitempty"`
	Status             *StringChange `json:"status,omitempty"`
	AvailabilityStatus *StringChange `json:"availabilityStatus,omitempty"`
}

// Empty reports whether no tracked field changed.
func (c ChangeSet) Empty() bool {
	return c.AvailableBeds == nil && c.TotalBeds == nil && c.WaitingListCount == nil &&
		c.Status == nil && c.AvailabilityStatus == nil
}

// AvailabilityTransition reports whether the facility flipped between bookable and not
// bookable. The first observation of a facility is not a transition.
func (c ChangeSet) AvailabilityTransition() bool {
	s := c.AvailabilityStatus
	return s != nil && s.From != nil && *s.From != s.To
}

// AvailabilityChanged reports bed or status changes for one facility.
type AvailabilityChanged struct {
	FacilityID         string    `json:"facilityId"`
	Name               string    `json:"name,omitempty"`
	AvailableBeds      int       `json:"availableBeds"`
	TotalBeds          int       `json:"totalBeds"`
	WaitingListCount   int       `json:"waitingListCount"`
	Status             string    `json:"status"`
	AvailabilityStatus string    `json:"availabilityStatus"`
	OccupancyRate      float64   `json:"occupancyRate"`
	Changes            ChangeSet `json:"changes"`
	IsNew              bool      `json:"isNew"`
	RecentlyUpdated    bool      `json:"recentlyUpdated"`
	LastUpdated        time.Time `json:"lastUpdated"`
}

func (AvailabilityChanged) EventType() Type { return TypeAvailabilityChanged }

func (p AvailabilityChanged) Validate() error {
	if p.FacilityID == "" {
		return errors.New("facilityId is required")
	}
	return nil
}

// StatusUpdated reports an operational status change of a facility.
type StatusUpdated struct {
	FacilityID string `json:"facilityId"`
	Name       string `json:"name,omitempty"`
	OldStatus  string `json:"oldStatus"`
	NewStatus  string `json:"newStatus"`
	Reason     string `json:"reason,omitempty"`
	UpdatedBy  string `json:"updatedBy,omitempty"`
}

func (StatusUpdated) EventType() Type { return TypeStatusUpdated }

func (p StatusUpdated) Validate() error {
	if p.FacilityID == "" {
		return errors.New("facilityId is required")
	}
	if p.NewStatus == "" {
		return errors.New("newStatus is required")
	}
	return nil
}

// SearchResult is one ranked facility within a search result set.
type SearchResult struct {
	FacilityID       string    `json:"facilityId"`
	Name             string    `json:"name"`
	AvailableBeds    int       `json:"availableBeds"`
	TotalBeds        int       `json:"totalBeds"`
	WaitingListCount int       `json:"waitingListCount"`
	OccupancyRate    float64   `json:"occupancyRate"`
	Status           string    `json:"status"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// SearchResultsUpdated carries a refreshed result set for one saved search.
type SearchResultsUpdated struct {
	Query   string            `json:"query"`
	Filters map[string]string `json:"filters,omitempty"`
	Results []SearchResult    `json:"results"`
	Total   int               `json:"total"`
}

func (SearchResultsUpdated) EventType() Type { return TypeSearchResultsUpdated }

// UserNotification is delivered to every connection of one user.
type UserNotification struct {
	UserID  string            `json:"userId"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   string            `json:"level,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

func (UserNotification) EventType() Type { return TypeUserNotification }

func (p UserNotification) Validate() error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	return nil
}

// MaintenanceMode announces planned or ongoing maintenance.
type MaintenanceMode struct {
	Enabled   bool       `json:"enabled"`
	Message   string     `json:"message"`
	StartsAt  *time.Time `json:"startsAt,omitempty"`
	EndsAt    *time.Time `json:"endsAt,omitempty"`
	Initiator string     `json:"initiator,omitempty"`
}

func (MaintenanceMode) EventType() Type { return TypeMaintenanceMode }

// Announcement is a broadcast message for every connected client.
type Announcement struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Level     string `json:"level,omitempty"`
	Initiator string `json:"initiator,omitempty"`
}

func (Announcement) EventType() Type { return TypeAnnouncement }

func (p Announcement) Validate() error {
	if p.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// SystemAlert reports an operational problem. Details are admin-only.
type SystemAlert struct {
	Severity  string            `json:"severity"`
	Component string            `json:"component,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

func (SystemAlert) EventType() Type { return TypeSystemAlert }

func (p SystemAlert) Validate() error {
	if p.Message == "" {
		return errors.New("message is required")
	}
	return nil
}
