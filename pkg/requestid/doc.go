// Package requestid tags every HTTP request with a correlation ID.
//
// Middleware honours a client-supplied X-Request-ID when it is short and made of
// [A-Za-z0-9_-], and otherwise generates a UUID. LoggerExtractor plugs into
// logger.WithContextExtractors so records logged with the request context carry it.
package requestid
