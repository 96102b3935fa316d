package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"github.com/trickstertwo/xlog"
)

// ErrNotConnected is returned while the connection is being re-established.
var ErrNotConnected = errors.New("rabbitmq: not connected")

// Connection owns one AMQP connection and re-dials it when the broker drops
// it. Channels are opened per user; after a reconnect every user must open a
// new one (see Reconnected).
type Connection struct {
	url    string
	name   string
	cfg    Config
	logger *xlog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	// reconnected is closed and replaced after every successful re-dial.
	reconnected chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the broker and starts watching the connection.
func Dial(ctx context.Context, cfg Config, logger *xlog.Logger) (*Connection, error) {
	if logger == nil {
		logger = xlog.Default()
	}
	c := &Connection{
		url:         cfg.AMQPURL(),
		name:        cfg.ConnectionName,
		cfg:         cfg,
		logger:      logger.With(xlog.Str("broker", cfg.Redacted())),
		reconnected: make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	conn, err := c.dial()
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.conn = conn
	c.logger.Info().Msg("rabbitmq: connected")

	go c.watch(conn)
	return c, nil
}

func (c *Connection) dial() (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(c.name)
	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return conn, nil
}

// watch re-dials with capped exponential backoff whenever the broker closes
// the connection, until Close is called.
func (c *Connection) watch(conn *amqp.Connection) {
	defer close(c.done)
	for {
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.ctx.Done():
			return
		case amqpErr := <-closed:
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(amqpErr).Msg("rabbitmq: connection lost")
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		backoff := retry.WithCappedDuration(c.cfg.ReconnectMax, retry.NewExponential(c.cfg.ReconnectMin))
		var next *amqp.Connection
		err := retry.Do(c.ctx, backoff, func(ctx context.Context) error {
			nc, err := c.dial()
			if err != nil {
				c.logger.Warn().Err(err).Msg("rabbitmq: reconnect failed")
				return retry.RetryableError(err)
			}
			next = nc
			return nil
		})
		if err != nil {
			return
		}

		c.mu.Lock()
		c.conn = next
		close(c.reconnected)
		c.reconnected = make(chan struct{})
		c.mu.Unlock()
		c.logger.Info().Msg("rabbitmq: reconnected")
		conn = next
	}
}

// Channel opens a new channel on the current connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Reconnected returns a channel that is closed at the next successful re-dial.
// Grab it before using a channel so a reconnect in between is never missed.
func (c *Connection) Reconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// IsConnected reports whether a live connection is held.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close stops reconnecting and closes the connection. It is idempotent and
// safe for concurrent use; every call returns the first call's result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close()
	})
	return c.closeErr
}

func (c *Connection) close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
	if err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	c.logger.Info().Msg("rabbitmq: connection closed")
	return nil
}
