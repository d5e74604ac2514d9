package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Validator is implemented by configuration structs that check their own invariants
// after parsing.
type Validator interface {
	Validate() error
}

// cache stores one parsed copy per configuration type.
type cache struct {
	mu     sync.Mutex
	values map[reflect.Type]any
}

var (
	global = &cache{values: make(map[reflect.Type]any)}

	dotenvOnce sync.Once
)

// LoadFiles loads the given .env files into the process environment before any
// configuration is parsed. Variables already set in the environment win.
// It must be called before the first Load to take effect for the default .env lookup.
func LoadFiles(paths ...string) error {
	var err error
	dotenvOnce.Do(func() {
		if len(paths) == 0 {
			_ = godotenv.Load()
			return
		}
		if loadErr := godotenv.Load(paths...); loadErr != nil {
			err = errors.Join(ErrLoadingEnvFile, loadErr)
		}
	})
	return err
}

// Load parses environment variables into v. Each configuration type is parsed once per
// process; later calls receive the cached copy. If *T implements Validator, a validation
// failure is returned and nothing is cached.
//
//	type PollerConfig struct {
//		Interval time.Duration `env:"POLLER_INTERVAL" envDefault:"30s"`
//	}
//
//	var cfg PollerConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	_ = LoadFiles()

	key := reflect.TypeFor[T]()

	global.mu.Lock()
	defer global.mu.Unlock()

	if cached, ok := global.values[key]; ok {
		*v = cached.(T)
		return nil
	}

	var parsed T
	if err := env.Parse(&parsed); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	if val, ok := any(&parsed).(Validator); ok {
		if err := val.Validate(); err != nil {
			return errors.Join(ErrInvalidConfig, err)
		}
	}

	global.values[key] = parsed
	*v = parsed
	return nil
}

// MustLoad works like Load but panics on failure.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

// Reset drops every cached configuration. Intended for tests.
func Reset() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.values = make(map[reflect.Type]any)
}
