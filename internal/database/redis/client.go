// Package redis keeps the miner's live state in Redis: connection state,
// current job, share counters and a rolling hashrate window.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the miner.
const DefaultKeyPrefix = "gompminer"

// Client wraps Redis operations for one miner
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	URL          string // redis://[:password@]host:port/db
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client and pings it.
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Miner state

// SetState records the connection state of a miner identity.
func (c *Client) SetState(ctx context.Context, identity, pool, state string, at time.Time) error {
	err := c.rdb.HSet(ctx, c.key("miner", identity),
		"state", state,
		"pool", pool,
		"state_at", at.Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set miner state: %w", err)
	}
	return nil
}

// GetState returns the recorded state fields for an identity.
func (c *Client) GetState(ctx context.Context, identity string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, c.key("miner", identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get miner state: %w", err)
	}
	return fields, nil
}

// Job management

// SetCurrentJob stores the job the miner is working on
func (c *Client) SetCurrentJob(ctx context.Context, identity string, jobData any) error {
	jsonData, err := json.Marshal(jobData)
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}

	if err := c.rdb.Set(ctx, c.key("job", identity), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}

	return nil
}

// GetCurrentJob retrieves the job the miner is working on
func (c *Client) GetCurrentJob(ctx context.Context, identity string, dest any) error {
	jsonData, err := c.rdb.Get(ctx, c.key("job", identity)).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("no current job")
		}
		return fmt.Errorf("failed to get current job: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %w", err)
	}

	return nil
}

// Statistics and counters

// ShareCounterKey is the daily counter for one identity and share status.
func (c *Client) ShareCounterKey(identity, status string, day time.Time) string {
	return c.key("shares", identity, status, day.UTC().Format("20060102"))
}

// IncrementShare bumps the daily counter for status. Counters expire after two days.
func (c *Client) IncrementShare(ctx context.Context, identity, status string, at time.Time) (int64, error) {
	return c.IncrementCounter(ctx, c.ShareCounterKey(identity, status, at), 48*time.Hour)
}

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// hashrateMember encodes one sample. The timestamp keeps equal rates distinct.
func hashrateMember(at time.Time, hashrate float64) string {
	return strconv.FormatInt(at.UnixNano(), 10) + ":" + strconv.FormatFloat(hashrate, 'f', -1, 64)
}

func parseHashrateMember(member string) (float64, bool) {
	_, value, ok := strings.Cut(member, ":")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	return v, err == nil
}

// SetHashrate appends a hashrate sample and drops samples older than window.
func (c *Client) SetHashrate(ctx context.Context, identity string, hashrate float64, at time.Time, window time.Duration) error {
	key := c.key("hashrate", identity)

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.Unix()),
		Member: hashrateMember(at, hashrate),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", at.Add(-window).Unix()))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// GetAverageHashrate averages the samples recorded within window of now.
func (c *Client) GetAverageHashrate(ctx context.Context, identity string, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, c.key("hashrate", identity), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageMembers(values), nil
}

func averageMembers(values []string) float64 {
	var (
		total float64
		n     int
	)
	for _, val := range values {
		if hashrate, ok := parseHashrateMember(val); ok {
			total += hashrate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Caching

// SetCache stores data in cache with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.rdb.Set(ctx, c.key("cache", key), jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetCache retrieves data from cache
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	jsonData, err := c.rdb.Get(ctx, c.key("cache", key)).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("cache miss")
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return nil
}
