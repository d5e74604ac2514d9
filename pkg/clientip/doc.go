// Package clientip resolves the originating client address of an HTTP request
// behind reverse proxies.
//
// A Resolver checks its trusted headers in order (the first valid entry of a
// comma-separated list wins) and falls back to RemoteAddr. Addresses are
// normalized, so IPv4-mapped IPv6 values come back as plain IPv4.
//
//	r := clientip.NewResolver("CF-Connecting-IP", "X-Forwarded-For")
//	router.Use(r.Middleware)
//	ip := clientip.FromContext(req.Context())
package clientip
