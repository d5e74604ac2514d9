package redis

import "time"

// Config describes the Redis connection used for streams and the snapshot cache.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"5"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"1s"`
	RetryMax       time.Duration `env:"REDIS_RETRY_MAX" envDefault:"30s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"60s"`
	PoolSize       int           `env:"REDIS_POOL_SIZE" envDefault:"0"`
	// ReadTimeout applies to non-blocking commands; blocking stream reads extend it by
	// their own BLOCK duration.
	ReadTimeout time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
}
