package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/dmitrymomot/bedwatch/pkg/logger"
)

// maxCloseReason is the longest close reason a control frame can carry.
const maxCloseReason = 123

// client is the transport half of a connection. It implements registry.Sender.
type client struct {
	conn *websocket.Conn
	log  *slog.Logger

	send         chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration

	// mu guards closed against concurrent Send calls.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	reason    atomic.Value
	cancel    context.CancelFunc
	done      chan struct{}

	// searches holds watched search signatures. Only the read loop touches it.
	searches map[string]struct{}
}

func newClient(conn *websocket.Conn, cfg Config, log *slog.Logger, cancel context.CancelFunc) *client {
	return &client{
		conn:         conn,
		log:          log,
		send:         make(chan []byte, cfg.SendBuffer),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		cancel:       cancel,
		done:         make(chan struct{}),
		searches:     make(map[string]struct{}),
	}
}

// Send queues msg for the write pump. It never blocks: a full buffer or a closed
// client rejects the message.
func (c *client) Send(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops both pumps. The write pump sends a close frame carrying reason.
func (c *client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		c.reason.Store(reason)
		c.cancel()
	})
}

func (c *client) closeReason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return ""
}

// writePump drains the send buffer until ctx is done, then closes the socket.
func (c *client) writePump(ctx context.Context) {
	defer close(c.done)

	var pings <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close(websocket.StatusNormalClosure, c.closeReason())
			return
		case msg := <-c.send:
			if err := c.write(ctx, msg); err != nil {
				c.log.DebugContext(ctx, "write failed", logger.Error(err))
				c.Close("write failed")
				c.conn.CloseNow()
				return
			}
		case <-pings:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.log.DebugContext(ctx, "ping failed", logger.Error(err))
				c.Close("ping timeout")
				c.conn.CloseNow()
				return
			}
		}
	}
}

func (c *client) write(ctx context.Context, msg []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, msg)
}

// readPump calls handle for every text message until the socket or ctx closes.
func (c *client) readPump(ctx context.Context, handle func([]byte)) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		handle(data)
	}
}
