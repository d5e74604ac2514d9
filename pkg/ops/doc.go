// Package ops exposes the operational HTTP surface of the service.
//
// Routes:
//
//	GET  /health                  liveness
//	GET  /ready                   readiness of the stream backend and stores
//	GET  /status                  processor, poller and connection state
//	GET  /metrics                 counter snapshot with per-second rates
//	POST /admin/events            publish an operator event (admin token)
//	GET  /admin/dead-letters      list dead letters (admin token)
//	POST /admin/dead-letters/replay
//
// The WebSocket gateway is mounted on the same router with WithWebSocket.
package ops
