// Package ratelimit provides fixed and sliding window limiters over pluggable stores.
//
// FixedWindow counts actions per key inside a window that starts with the first action
// and resets when it expires. It backs the per-connection limits of the connection
// registry (authentication attempts, subscriptions and room joins) and works with
// either MemoryStore or RedisStore. SlidingWindow keeps individual timestamps and is
// used by the HTTP Middleware to cap WebSocket upgrades per client IP.
//
// Limiters return a Result describing the decision. Middleware fails open: a store
// error lets the request through and is logged.
package ratelimit
