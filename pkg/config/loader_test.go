package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/bedwatch/pkg/config"
)

type pollerConfig struct {
	Interval  time.Duration `env:"TEST_POLLER_INTERVAL" envDefault:"30s"`
	HighDelta int           `env:"TEST_POLLER_HIGH_DELTA" envDefault:"5"`
}

type cachedConfig struct {
	Value string `env:"TEST_CACHED_VALUE" envDefault:"first"`
}

type requiredConfig struct {
	Secret string `env:"TEST_REQUIRED_SECRET,required"`
}

type validatedConfig struct {
	Limit int `env:"TEST_VALIDATED_LIMIT" envDefault:"0"`
}

func (c *validatedConfig) Validate() error {
	if c.Limit <= 0 {
		return errors.New("limit must be positive")
	}
	return nil
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_POLLER_INTERVAL", "15s")

	var cfg pollerConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, 15*time.Second, cfg.Interval)
	assert.Equal(t, 5, cfg.HighDelta)
}

func TestLoadCachesPerType(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)

	t.Setenv("TEST_CACHED_VALUE", "first")
	var a cachedConfig
	require.NoError(t, config.Load(&a))

	t.Setenv("TEST_CACHED_VALUE", "second")
	var b cachedConfig
	require.NoError(t, config.Load(&b))
	assert.Equal(t, "first", b.Value)

	config.Reset()
	var c cachedConfig
	require.NoError(t, config.Load(&c))
	assert.Equal(t, "second", c.Value)
}

func TestLoadErrors(t *testing.T) {
	var missing requiredConfig
	require.ErrorIs(t, config.Load(&missing), config.ErrParsingConfig)

	var invalid validatedConfig
	require.ErrorIs(t, config.Load(&invalid), config.ErrInvalidConfig)

	t.Setenv("TEST_VALIDATED_LIMIT", "3")
	var valid validatedConfig
	require.NoError(t, config.Load(&valid))
	assert.Equal(t, 3, valid.Limit)

	require.ErrorIs(t, config.Load[pollerConfig](nil), config.ErrNilPointer)
	assert.Panics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg)
	})
}
