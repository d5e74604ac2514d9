// Package event defines the envelope that flows through the availability pipeline.
//
// An Event carries one typed Payload. The set of payloads is closed: every payload type is
// registered with its wire name and the stream partition it belongs to, and Unmarshal
// rejects anything else with ErrUnknownType. Handlers therefore switch on concrete payload
// types and never see untyped maps.
//
// Creating and publishing an event:
//
//	ev := event.New(event.AvailabilityChanged{
//		FacilityID:    "F1",
//		AvailableBeds: 5,
//	}, event.WithPriority(event.PriorityCritical), event.WithSource("availability-poller"))
//
//	data, err := event.Marshal(ev)
//	// publish data to ev.Partition()
//
// Consuming:
//
//	ev, err := event.Unmarshal(data)
//	switch p := ev.Payload.(type) {
//	case event.AvailabilityChanged:
//		// ...
//	}
//
// Retry bookkeeping (RetryCount, MaxRetries, Processed) is internal and never leaves the
// server: ClientView returns the client-facing projection.
package event
