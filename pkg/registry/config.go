package registry

import (
	"errors"
	"time"
)

// Config holds connection limits and housekeeping intervals.
type Config struct {
	MaxRooms      int           `env:"REGISTRY_MAX_ROOMS" envDefault:"50"`
	IdleTimeout   time.Duration `env:"REGISTRY_IDLE_TIMEOUT" envDefault:"5m"`
	SweepInterval time.Duration `env:"REGISTRY_SWEEP_INTERVAL" envDefault:"30s"`

	AuthLimit  int           `env:"REGISTRY_AUTH_LIMIT" envDefault:"5"`
	AuthWindow time.Duration `env:"REGISTRY_AUTH_WINDOW" envDefault:"5m"`

	FacilitySubscribeLimit int           `env:"REGISTRY_FACILITY_SUBSCRIBE_LIMIT" envDefault:"20"`
	SearchSubscribeLimit   int           `env:"REGISTRY_SEARCH_SUBSCRIBE_LIMIT" envDefault:"10"`
	RoomJoinLimit          int           `env:"REGISTRY_ROOM_JOIN_LIMIT" envDefault:"10"`
	OperationWindow        time.Duration `env:"REGISTRY_OPERATION_WINDOW" envDefault:"1m"`
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRooms:               50,
		IdleTimeout:            5 * time.Minute,
		SweepInterval:          30 * time.Second,
		AuthLimit:              5,
		AuthWindow:             5 * time.Minute,
		FacilitySubscribeLimit: 20,
		SearchSubscribeLimit:   10,
		RoomJoinLimit:          10,
		OperationWindow:        time.Minute,
	}
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxRooms <= 0 {
		errs = append(errs, errors.New("REGISTRY_MAX_ROOMS must be positive"))
	}
	if c.AuthLimit <= 0 || c.FacilitySubscribeLimit <= 0 || c.SearchSubscribeLimit <= 0 || c.RoomJoinLimit <= 0 {
		errs = append(errs, errors.New("registry rate limits must be positive"))
	}
	if c.AuthWindow <= 0 || c.OperationWindow <= 0 {
		errs = append(errs, errors.New("registry rate limit windows must be positive"))
	}
	return errors.Join(errs...)
}
