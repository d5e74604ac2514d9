package gateway

import "time"

// Config holds WebSocket transport settings.
type Config struct {
	Path string `env:"GATEWAY_PATH" envDefault:"/ws"`

	// SendBuffer is the number of outbound messages queued per connection before
	// new messages are dropped.
	SendBuffer   int           `env:"GATEWAY_SEND_BUFFER" envDefault:"256"`
	ReadLimit    int64         `env:"GATEWAY_READ_LIMIT" envDefault:"32768"`
	WriteTimeout time.Duration `env:"GATEWAY_WRITE_TIMEOUT" envDefault:"10s"`
	PingInterval time.Duration `env:"GATEWAY_PING_INTERVAL" envDefault:"30s"`

	// UpgradeLimit caps upgrade requests per client IP within UpgradeWindow. Zero disables it.
	UpgradeLimit  int           `env:"GATEWAY_UPGRADE_LIMIT" envDefault:"30"`
	UpgradeWindow time.Duration `env:"GATEWAY_UPGRADE_WINDOW" envDefault:"1m"`

	// AllowedOrigins are host patterns accepted in the Origin header besides the
	// request host. "*" accepts any origin.
	AllowedOrigins []string `env:"GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Path:          "/ws",
		SendBuffer:    256,
		ReadLimit:     32 << 10,
		WriteTimeout:  10 * time.Second,
		PingInterval:  30 * time.Second,
		UpgradeLimit:  30,
		UpgradeWindow: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.UpgradeLimit > 0 && c.UpgradeWindow <= 0 {
		c.UpgradeWindow = d.UpgradeWindow
	}
	return c
}
