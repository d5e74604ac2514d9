package stream

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
)

// ConnectNATS dials NATS, retrying with the configured interval until the attempts run out.
func ConnectNATS(ctx context.Context, cfg Config) (*nats.Conn, error) {
	var nc *nats.Conn
	err := backoff.Retry(ctx, backoff.Constant(cfg.NATSRetryInterval), max(cfg.NATSConnectRetry, 1), func(context.Context) error {
		var err error
		nc, err = nats.Connect(cfg.NATSURL,
			nats.Name("bedwatch"),
			nats.Timeout(5*time.Second),
			nats.MaxReconnects(-1),
		)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	return nc, nil
}
