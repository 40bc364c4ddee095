package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/metric"
)

// Client implements Keyspace backed by Redis. All errors are translated
// into the telecore errors taxonomy; redis.Nil becomes errors.ErrKeyNotFound.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
	closed atomic.Bool

	// Metrics (optional, nil = disabled)
	core *metric.Metrics
}

var _ Keyspace = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMetrics enables bus operation metrics against the given registry.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) {
		if registry != nil {
			c.core = registry.CoreMetrics()
		}
	}
}

// WithLogger sets the logger used for connection events.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient connects to the bus and verifies the connection with a ping.
func NewClient(ctx context.Context, addr, password string, db int, opts ...ClientOption) (*Client, error) {
	c := &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			PoolSize:     20,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		logger: slog.Default().With("component", "bus"),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, errors.WrapTransient(err, "Client", "NewClient", "ping bus")
	}

	c.logger.Info("bus connected", "addr", addr, "db", db)
	if c.core != nil {
		c.core.RecordBusStatus(true)
	}

	return c, nil
}

// translate maps driver errors into the telecore taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return errors.ErrKeyNotFound
	}
	return err
}

func (c *Client) record(op string, err error) {
	if c.core == nil {
		return
	}
	status := "ok"
	if err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
		status = "error"
	}
	c.core.RecordBusOperation(op, status)
}

// Get returns the value of a scalar key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	err = translate(err)
	c.record("get", err)
	return val, err
}

// Set writes a scalar key, with optional expiry (ttl <= 0 means none).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	err := translate(c.rdb.Set(ctx, key, value, ttl).Err())
	c.record("set", err)
	return err
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := translate(c.rdb.Del(ctx, keys...).Err())
	c.record("delete", err)
	return err
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	err = translate(err)
	c.record("exists", err)
	return n > 0, err
}

// Expire sets a key's time to live.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := translate(c.rdb.Expire(ctx, key, ttl).Err())
	c.record("expire", err)
	return err
}

// HGet returns one field of a map-like key.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	err = translate(err)
	c.record("hget", err)
	return val, err
}

// HGetAll returns all fields of a map-like key. A missing key yields an
// empty map, matching the store's own semantics.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.rdb.HGetAll(ctx, key).Result()
	err = translate(err)
	c.record("hgetall", err)
	return val, err
}

// HSet writes fields of a map-like key as one atomic operation.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	err := translate(c.rdb.HSet(ctx, key, args...).Err())
	c.record("hset", err)
	return err
}

// HDel removes fields from a map-like key.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	err := translate(c.rdb.HDel(ctx, key, fields...).Err())
	c.record("hdel", err)
	return err
}

// RPush appends values to a list-like key.
func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	err := translate(c.rdb.RPush(ctx, key, args...).Err())
	c.record("rpush", err)
	return err
}

// LPop removes and returns the oldest element of a list-like key.
func (c *Client) LPop(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.LPop(ctx, key).Result()
	err = translate(err)
	c.record("lpop", err)
	return val, err
}

// BLPop blocks until an element is available or the timeout elapses.
// A timeout is reported as errors.ErrKeyNotFound so consumers can loop.
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if err != nil {
		err = translate(err)
		c.record("blpop", err)
		return "", err
	}
	c.record("blpop", nil)
	// BLPOP returns [key, value]
	if len(res) != 2 {
		return "", errors.ErrKeyNotFound
	}
	return res[1], nil
}

// LLen returns the length of a list-like key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	err = translate(err)
	c.record("llen", err)
	return n, err
}

// SAdd adds members to a set-like key.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := translate(c.rdb.SAdd(ctx, key, args...).Err())
	c.record("sadd", err)
	return err
}

// SRem removes members from a set-like key.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := translate(c.rdb.SRem(ctx, key, args...).Err())
	c.record("srem", err)
	return err
}

// SMembers returns all members of a set-like key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	val, err := c.rdb.SMembers(ctx, key).Result()
	err = translate(err)
	c.record("smembers", err)
	return val, err
}

// Keys returns all keys matching the glob pattern. Uses SCAN rather than
// KEYS so large keyspaces do not block the bus.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	err := translate(iter.Err())
	c.record("scan", err)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Batch applies all ops in a single transaction. Either every op is
// applied or none are; readers never observe a partial batch.
func (c *Client) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case OpSet:
				ttl := op.TTL
				if ttl < 0 {
					ttl = 0
				}
				pipe.Set(ctx, op.Key, op.Value, ttl)
			case OpHSet:
				args := make([]any, 0, len(op.Fields)*2)
				for f, v := range op.Fields {
					args = append(args, f, v)
				}
				if len(args) > 0 {
					pipe.HSet(ctx, op.Key, args...)
				}
			case OpHDel:
				if len(op.Names) > 0 {
					pipe.HDel(ctx, op.Key, op.Names...)
				}
			case OpDelete:
				pipe.Del(ctx, op.Key)
			case OpSAdd:
				if len(op.Names) > 0 {
					members := make([]any, len(op.Names))
					for i, m := range op.Names {
						members[i] = m
					}
					pipe.SAdd(ctx, op.Key, members...)
				}
			case OpSRem:
				if len(op.Names) > 0 {
					members := make([]any, len(op.Names))
					for i, m := range op.Names {
						members[i] = m
					}
					pipe.SRem(ctx, op.Key, members...)
				}
			case OpRPush:
				pipe.RPush(ctx, op.Key, op.Value)
			case OpExpire:
				pipe.Expire(ctx, op.Key, op.TTL)
			default:
				return fmt.Errorf("unsupported batch op kind %d: %w", op.Kind, errors.ErrValidation)
			}
		}
		return nil
	})
	err = translate(err)
	c.record("batch", err)
	return err
}

// Ping verifies bus connectivity and records round-trip time.
func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		if c.core != nil {
			c.core.RecordBusStatus(false)
		}
		return translate(err)
	}
	if c.core != nil {
		c.core.RecordBusStatus(true)
		c.core.RecordBusRTT(time.Since(start))
	}
	return nil
}

// Close releases the connection pool. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("bus connection closed")
	if c.core != nil {
		c.core.RecordBusStatus(false)
	}
	return c.rdb.Close()
}
