package logger

import (
	"log/slog"
	"strconv"
	"time"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Errors groups multiple non-nil errors under the key "errors".
// If all errors are nil, it returns an empty Attr.
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error records a single error under the key "error". Nil errors produce an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component records the emitting component under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// EventID records the event identifier under the key "event_id".
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// EventType records the event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// Priority records the event priority under the key "priority".
func Priority(p any) slog.Attr {
	return slog.Any("priority", p)
}

// Partition records the stream partition under the key "partition".
func Partition(name string) slog.Attr {
	return slog.String("partition", name)
}

// ConsumerGroup records the consumer group under the key "consumer_group".
func ConsumerGroup(name string) slog.Attr {
	return slog.String("consumer_group", name)
}

// Consumer records the consumer name under the key "consumer".
func Consumer(name string) slog.Attr {
	return slog.String("consumer", name)
}

// EntryID records the stream entry identifier under the key "entry_id".
func EntryID(id string) slog.Attr {
	return slog.String("entry_id", id)
}

// DeliveryCount records how often an entry was delivered under the key "delivery_count".
func DeliveryCount(n int64) slog.Attr {
	return slog.Int64("delivery_count", n)
}

// FacilityID records the facility identifier under the key "facility_id".
func FacilityID(id string) slog.Attr {
	return slog.String("facility_id", id)
}

// ConnectionID records the connection identifier under the key "connection_id".
func ConnectionID(id string) slog.Attr {
	return slog.String("connection_id", id)
}

// UserID records the user identifier under the key "user_id".
// Empty identifiers produce an empty Attr.
func UserID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("user_id", id)
}

// Room records the broadcast room under the key "room".
func Room(name string) slog.Attr {
	return slog.String("room", name)
}

// RequestID records the request identifier under the key "request_id".
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

// Duration records a duration under the key "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Attempt records a retry attempt number under the key "attempt".
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}
