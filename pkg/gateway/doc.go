// Package gateway serves the WebSocket endpoint clients use to follow facility
// availability.
//
// Each accepted socket is registered with a registry.Registry through a client that
// implements registry.Sender: outbound messages are queued without blocking and written
// by a dedicated pump, inbound messages are read, classified by their "type" field and
// answered with typed replies.
//
// Inbound messages:
//
//	{"type":"authenticate","token":"<jwt>","userId":"u-1"}
//	{"type":"subscribe_facility","facilityId":"F1"}
//	{"type":"unsubscribe_facility","facilityId":"F1"}
//	{"type":"subscribe_search","query":"north","filters":{"min_beds":"2"}}
//	{"type":"join_room","room":"facility:F1"}
//	{"type":"leave_room","room":"facility:F1"}
//	{"type":"ping"}
//
// Fields may also be nested under "data". Replies share the envelope used for events
// (fanout.Message) and carry kinds such as auth:success, subscription:error or pong.
//
// Mount the gateway on a router:
//
//	gw, err := gateway.New(reg, cfg,
//		gateway.WithVerifier(gateway.JWTVerifier(tokens)),
//		gateway.WithWatcher(poll.Watchlist()),
//	)
//	r.Mount(cfg.Path, gw.Routes())
package gateway
