package stream

import "time"

// Supported backends.
const (
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendEmbedded = "embedded"
	BackendMemory   = "memory"
)

// Config selects and tunes the stream backend.
type Config struct {
	Backend      string        `env:"STREAM_BACKEND" envDefault:"redis"`
	KeyPrefix    string        `env:"STREAM_KEY_PREFIX" envDefault:"bedwatch"`
	MaxLen       int64         `env:"STREAM_MAX_LEN" envDefault:"100000"`
	MaxAge       time.Duration `env:"STREAM_MAX_AGE" envDefault:"168h"`
	TrimInterval time.Duration `env:"STREAM_TRIM_INTERVAL" envDefault:"5m"`
	AckWait      time.Duration `env:"STREAM_ACK_WAIT" envDefault:"30s"`

	PublishAttempts int `env:"STREAM_PUBLISH_ATTEMPTS" envDefault:"5"`

	NATSURL           string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSDataDir       string        `env:"NATS_DATA_DIR" envDefault:"./data"`
	NATSConnectRetry  int           `env:"NATS_CONNECT_RETRY" envDefault:"3"`
	NATSRetryInterval time.Duration `env:"NATS_RETRY_INTERVAL" envDefault:"5s"`
}

// Retention returns the retention bounds configured for every partition.
func (c Config) Retention() Retention {
	return Retention{MaxLen: c.MaxLen, MaxAge: c.MaxAge}
}
