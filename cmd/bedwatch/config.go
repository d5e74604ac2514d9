package main

import (
	"log/slog"

	"github.com/dmitrymomot/bedwatch/pkg/config"
	"github.com/dmitrymomot/bedwatch/pkg/logger"
	"github.com/dmitrymomot/bedwatch/pkg/requestid"
)

func loadEnvFiles(paths []string) error {
	return config.LoadFiles(paths...)
}

// load parses the configuration of each pointer in order and stops at the first failure.
func load(targets ...func() error) error {
	for _, t := range targets {
		if err := t(); err != nil {
			return err
		}
	}
	return nil
}

func into[T any](v *T) func() error {
	return func() error { return config.Load(v) }
}

func newLogger() (*slog.Logger, error) {
	var cfg logger.Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	opts := append(logger.FromConfig(cfg), logger.WithContextExtractors(requestid.LoggerExtractor))
	log := logger.New(opts...)
	logger.SetAsDefault(log)
	return log, nil
}
