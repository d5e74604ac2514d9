package event

import (
	"fmt"
	"strings"
)

// Type is the wire name of an event variant.
type Type string

const (
	TypeAvailabilityChanged  Type = "facility.availability_changed"
	TypeStatusUpdated        Type = "facility.status_updated"
	TypeSearchResultsUpdated Type = "search.results_updated"
	TypeUserNotification     Type = "user.notification"
	TypeMaintenanceMode      Type = "system.maintenance"
	TypeAnnouncement         Type = "system.announcement"
	TypeSystemAlert          Type = "system.alert"
)

func (t Type) String() string { return string(t) }

// Partition returns the stream partition events of this type are published to.
// Unknown types map to an empty partition.
func (t Type) Partition() Partition {
	if d, ok := registry[t]; ok {
		return d.partition
	}
	return ""
}

// Known reports whether t is a registered event type.
func (t Type) Known() bool {
	_, ok := registry[t]
	return ok
}

// Partition names an independently ordered stream of events for one domain area.
type Partition string

const (
	PartitionFacility   Partition = "facility-events"
	PartitionSearch     Partition = "search-events"
	PartitionUser       Partition = "user-events"
	PartitionSystem     Partition = "system-events"
	PartitionDeadLetter Partition = "dead-letter"
)

func (p Partition) String() string { return string(p) }

// Partitions lists the partitions consumed by stream processors.
// The dead-letter partition is not consumed.
func Partitions() []Partition {
	return []Partition{PartitionFacility, PartitionSearch, PartitionUser, PartitionSystem}
}

// ParsePartition resolves a partition by its full name or short alias ("facility").
func ParsePartition(s string) (Partition, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, p := range append(Partitions(), PartitionDeadLetter) {
		if s == string(p) || s+"-events" == string(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPartition, s)
}

// Priority orders events by significance. Higher values are more significant.
type Priority int8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int8(p))
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	name, ok := priorityNames[p]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int8(p))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityLow, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}
