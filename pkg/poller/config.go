package poller

import (
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
)

// Config holds the poll cycle settings.
type Config struct {
	Interval     time.Duration `env:"POLLER_INTERVAL" envDefault:"30s"`
	HighDelta    int           `env:"POLLER_HIGH_DELTA" envDefault:"5"`
	RecentWindow time.Duration `env:"POLLER_RECENT_WINDOW" envDefault:"2m"`

	// QueryAttempts bounds retries of a single source query within one cycle.
	QueryAttempts int `env:"POLLER_QUERY_ATTEMPTS" envDefault:"3"`
	// CacheSize is the number of snapshots kept in the read-through cache.
	CacheSize int           `env:"POLLER_CACHE_SIZE" envDefault:"5000"`
	CacheTTL  time.Duration `env:"POLLER_CACHE_TTL" envDefault:"10m"`

	// SearchLimit caps the results published per saved search.
	SearchLimit int `env:"POLLER_SEARCH_LIMIT" envDefault:"20"`

	Backoff backoff.Policy `envPrefix:"POLLER_BACKOFF_"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		HighDelta:     5,
		RecentWindow:  2 * time.Minute,
		QueryAttempts: 3,
		CacheSize:     5000,
		CacheTTL:      10 * time.Minute,
		SearchLimit:   20,
		Backoff:       backoff.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.HighDelta <= 0 {
		c.HighDelta = d.HighDelta
	}
	if c.RecentWindow < 0 {
		c.RecentWindow = d.RecentWindow
	}
	if c.QueryAttempts <= 0 {
		c.QueryAttempts = d.QueryAttempts
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = d.SearchLimit
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
