package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedNATS is an in-process JetStream server for single-binary deployments and tests.
type EmbeddedNATS struct {
	server *server.Server
	conn   *nats.Conn
}

// StartEmbeddedNATS starts a JetStream-enabled server on a random local port, storing data
// under dataDir, and connects a client to it.
func StartEmbeddedNATS(dataDir string) (*EmbeddedNATS, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "jetstream"),
		Host:      "127.0.0.1",
		Port:      -1,
		HTTPPort:  -1,
		NoLog:     true,
		NoSigs:    true,
	}
	if err := os.MkdirAll(opts.StoreDir, 0o755); err != nil {
		return nil, fmt.Errorf("stream: create jetstream store dir: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("stream: create embedded nats: %w", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("%w: embedded nats not ready", ErrBackendUnavailable)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("stream: connect embedded nats: %w", err)
	}

	return &EmbeddedNATS{server: ns, conn: nc}, nil
}

// Conn returns the client connection to the embedded server.
func (e *EmbeddedNATS) Conn() *nats.Conn { return e.conn }

// ClientURL returns the address other clients can connect to.
func (e *EmbeddedNATS) ClientURL() string { return e.server.ClientURL() }

// Shutdown drains the client and stops the server.
func (e *EmbeddedNATS) Shutdown() {
	if e.conn != nil {
		e.conn.Close()
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
}
