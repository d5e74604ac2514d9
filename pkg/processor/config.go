package processor

import (
	"fmt"
	"os"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
)

// Config controls the consume loop.
type Config struct {
	Group     string        `env:"PROCESSOR_GROUP" envDefault:"bedwatch"`
	Consumer  string        `env:"PROCESSOR_CONSUMER"`
	BatchSize int           `env:"PROCESSOR_BATCH_SIZE" envDefault:"10"`
	Block     time.Duration `env:"PROCESSOR_BLOCK" envDefault:"5s"`

	ClaimInterval time.Duration `env:"PROCESSOR_CLAIM_INTERVAL" envDefault:"30s"`
	ClaimMinIdle  time.Duration `env:"PROCESSOR_CLAIM_MIN_IDLE" envDefault:"1m"`

	DedupSize int           `env:"PROCESSOR_DEDUP_SIZE" envDefault:"10000"`
	DedupTTL  time.Duration `env:"PROCESSOR_DEDUP_TTL" envDefault:"1h"`

	Backoff backoff.Policy `envPrefix:"PROCESSOR_BACKOFF_"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Group:         "bedwatch",
		BatchSize:     10,
		Block:         5 * time.Second,
		ClaimInterval: 30 * time.Second,
		ClaimMinIdle:  time.Minute,
		DedupSize:     10_000,
		DedupTTL:      time.Hour,
		Backoff:       backoff.Default(),
	}
}

// ConsumerName returns Consumer, or host-pid when unset.
func (c Config) ConsumerName() string {
	if c.Consumer != "" {
		return c.Consumer
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bedwatch"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Group == "" {
		c.Group = d.Group
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Block <= 0 {
		c.Block = d.Block
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = d.ClaimMinIdle
	}
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
