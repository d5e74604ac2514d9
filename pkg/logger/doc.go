// Package logger builds the service *slog.Logger and keeps attribute names consistent.
//
// New takes functional options; FromConfig turns the APP_ENV / LOG_LEVEL / LOG_FORMAT
// environment into options. Development uses text output at debug level, every other
// environment JSON at info level. Context extractors add request-scoped attributes such as
// the request ID to every record logged with a context:
//
//	log := logger.New(append(logger.FromConfig(cfg),
//		logger.WithContextExtractors(requestid.LoggerExtractor),
//	)...)
//	logger.SetAsDefault(log)
//
//	log.InfoContext(ctx, "event dead-lettered",
//		logger.Partition("facility-events"),
//		logger.EntryID(entry.ID),
//		logger.Error(err),
//	)
//
// Error and Errors return empty attributes for nil errors, so callers never need a nil check.
package logger
