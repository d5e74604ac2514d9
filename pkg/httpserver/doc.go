// Package httpserver runs the operational HTTP listener with graceful shutdown.
//
// Server.Run listens on the configured address and serves until the context is
// cancelled, then shuts down within the configured deadline. It returns a function
// so the server slots into an errgroup next to the stream workers:
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	g.Go(srv.Run(ctx, router))
//
// LivenessHandler and ReadinessHandler back the /health and /ready endpoints. Readiness
// runs every named Check and reports each result as JSON.
package httpserver
