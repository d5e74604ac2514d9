// Package broadcast routes messages to members grouped into named rooms.
//
// Hub is generic over the message type. Rooms are created on first Join and removed
// when the last member leaves. Publish snapshots the room membership under a per-room
// read lock and delivers outside of it; members decide themselves whether to accept a
// message, typically by a non-blocking send into a buffered channel.
//
//	hub := broadcast.NewHub[[]byte]()
//	_, _ = hub.Join("facility:F1", conn)
//	delivered, dropped := hub.Publish("facility:F1", payload)
package broadcast
