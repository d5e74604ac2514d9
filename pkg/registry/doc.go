// Package registry owns every live client connection.
//
// A Connection moves forward through Connecting, Connected, Authenticated,
// Disconnecting and Disconnected. Authentication may be repeated while
// authenticated; a failed attempt leaves the connection usable for public rooms.
// Room membership lives in a broadcast.Hub keyed by room name, and the registry keeps
// the per-connection bookkeeping (rooms, facility and search subscriptions, identity)
// needed to release it exactly once in Deregister.
//
// Authentication, subscription and room operations are rate limited per connection
// with fixed windows. Exceeding a limit returns an error matching ErrRateLimited.
//
//	reg, err := registry.New(cfg, registry.WithLogger(log))
//	conn, err := reg.Register(ctx, client, remoteAddr)
//	_, err = reg.Subscribe(ctx, conn.ID(), registry.FacilitySubscription("F1"))
//	reg.Broadcast(registry.FacilityRoom("F1"), payload)
package registry
