package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/trickstertwo/orderbus"
)

// Transport implements orderbus.Transport on Redis Streams consumer groups.
type Transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Claimed       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

var _ orderbus.Transport = (*Transport)(nil)

// NewTransport validates cfg, connects and pings Redis.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     max(10, cfg.Concurrency+2),
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.TLSServerName,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}, nil
}

// Publish appends messages to the topic stream with one pipelined XADD per message.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*orderbus.Message) error {
	if t.closed.Load() {
		return errors.New("redis-streams transport is closed")
	}
	if len(msgs) == 0 {
		return nil
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		pipe.XAdd(ctx, t.xaddArgs(topic, encodeMessage(m)))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

func (t *Transport) xaddArgs(stream string, vals map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, ID: "*", Values: vals}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe reads the topic stream as consumer group `group` with Concurrency workers.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(orderbus.Delivery)) (orderbus.Subscription, error) {
	if t.closed.Load() {
		return nil, errors.New("redis-streams transport is closed")
	}

	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("create group %s on %s: %w", group, topic, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)

	workers := t.cfg.Concurrency
	workCh := make(chan *delivery, workers*2)

	var workersWG sync.WaitGroup
	workersWG.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer workersWG.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	// readers feed workCh; it is closed once every reader has stopped
	var readersWG sync.WaitGroup
	readersWG.Add(1)
	go func() {
		defer readersWG.Done()
		t.pollerLoop(innerCtx, topic, group, workCh)
	}()
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 {
		readersWG.Add(1)
		go func() {
			defer readersWG.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}
	go func() {
		readersWG.Wait()
		close(workCh)
	}()

	return &subscription{
		close: func() error {
			cancel()
			readersWG.Wait()
			workersWG.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) pollBackoff() retry.Backoff {
	return retry.WithCappedDuration(t.cfg.MaxBackoff, retry.NewExponential(t.cfg.MinBackoff))
}

// pollerLoop reads new entries and hands them to workers. Read errors back
// off exponentially; a block timeout is not an error.
func (t *Transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(t.cfg.BatchSize),
		Block:    t.cfg.Block,
	}
	backoff := t.pollBackoff()

	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.metrics.consumeErrors.Add(1)
			wait, _ := backoff.Next()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = t.pollBackoff()

		for _, stream := range res {
			for _, xm := range stream.Messages {
				if !t.dispatch(ctx, topic, group, xm, workCh) {
					return
				}
			}
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, topic, group string, xm redis.XMessage, workCh chan<- *delivery) bool {
	d := t.newDelivery()
	d.t = t
	d.topic = topic
	d.group = group
	d.id = xm.ID
	d.msg = decodeMessage(xm.ID, xm.Values)

	t.metrics.consumed.Add(1)
	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

func (t *Transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)
	d.once = &sync.Once{}
	return d
}

func (t *Transport) releaseDelivery(d *delivery) {
	d.t = nil
	d.msg = nil
	d.topic = ""
	d.group = ""
	d.id = ""
	d.once = nil
	t.dpool.Put(d)
}

// claimLoop takes over entries idle longer than ClaimMinIdle (their consumer
// died) and delivers them again on this subscription.
func (t *Transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	start := "0-0"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Start:    start,
			Count:    int64(max(1, t.cfg.ClaimBatch)),
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.consumeErrors.Add(1)
			continue
		}
		start = next
		for _, xm := range msgs {
			t.metrics.claimed.Add(1)
			if !t.dispatch(ctx, topic, group, xm, workCh) {
				return
			}
		}
	}
}

// Close releases the Redis client. It is idempotent.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Stats returns current transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
