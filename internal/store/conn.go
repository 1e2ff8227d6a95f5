// Package store wraps the Redis connections a queue needs: a command
// connection for list, sorted-set and hash commands, and a dedicated
// subscription connection for the queue's event channel.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MessageHandler receives every payload published on the subscribed channel.
type MessageHandler func(payload string)

type ConnOptions struct {
	Redis     *redis.Options
	Channel   string
	OnMessage MessageHandler

	// OnConnect runs after a (re)connect succeeds.
	OnConnect func()
	Logger    *slog.Logger
}

// Conn owns the two logical connections. Both are established lazily by
// EnsureConnected and released together by Close; Close does not prevent a
// later EnsureConnected from dialing again.
type Conn struct {
	opts    redis.Options
	channel string
	handler MessageHandler
	onConn  func()
	log     *slog.Logger

	mu     sync.RWMutex
	cmd    *redis.Client
	sub    *redis.Client
	pubsub *redis.PubSub
}

func NewConn(o ConnOptions) *Conn {
	if o.Redis == nil {
		o.Redis = &redis.Options{Addr: "localhost:6379"}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Conn{
		opts:    *o.Redis,
		channel: o.Channel,
		handler: o.OnMessage,
		onConn:  o.OnConnect,
		log:     o.Logger.With("component", "store", "channel", o.Channel),
	}
}

// Connected reports whether both connections are currently established.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready()
}

func (c *Conn) ready() bool {
	return c.cmd != nil && c.pubsub != nil
}

// EnsureConnected (re)establishes whichever connection is missing. A new
// subscription connection is subscribed to the channel before it returns, so
// events published after EnsureConnected are observed.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready() {
		return nil
	}
	if c.cmd == nil {
		opts := c.opts
		rdb := redis.NewClient(&opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("store: connect command client: %w", err)
		}
		c.cmd = rdb
	}
	if c.pubsub == nil {
		opts := c.opts
		opts.PoolSize = 1
		rdb := redis.NewClient(&opts)
		ps := rdb.Subscribe(ctx, c.channel)
		// wait for the subscribe confirmation
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			_ = rdb.Close()
			return fmt.Errorf("store: subscribe %s: %w", c.channel, err)
		}
		c.sub, c.pubsub = rdb, ps
		go c.relayMessages(ps)
	}
	c.log.Debug("connected")
	if c.onConn != nil {
		c.onConn()
	}
	return nil
}

// relayMessages exits when ps is closed.
func (c *Conn) relayMessages(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		if c.handler != nil {
			c.handler(msg.Payload)
		}
	}
}

// Do runs fn against the command connection, connecting first if needed.
// Close waits for in-flight Do calls to return before tearing down.
func (c *Conn) Do(ctx context.Context, fn func(rdb redis.Cmdable) error) error {
	for {
		c.mu.RLock()
		if c.ready() {
			err := fn(c.cmd)
			c.mu.RUnlock()
			return err
		}
		c.mu.RUnlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.EnsureConnected(ctx); err != nil {
			return err
		}
	}
}

// Close releases both connections. It is safe to call on a closed Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	var errs []error
	if c.pubsub != nil {
		errs = append(errs, c.pubsub.Close())
		c.pubsub = nil
	}
	if c.sub != nil {
		errs = append(errs, c.sub.Close())
		c.sub = nil
	}
	if c.cmd != nil {
		errs = append(errs, c.cmd.Close())
		c.cmd = nil
	}
	c.mu.Unlock()
	c.log.Debug("closed")
	return errors.Join(errs...)
}
