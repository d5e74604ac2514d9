// Package pg opens the PostgreSQL pool the availability poller reads facilities from,
// applies the development schema with goose and exposes a readiness check.
package pg
