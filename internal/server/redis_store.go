package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
)

var _ httprate.LimitCounter = (*redisCounter)(nil)

// redisCounter stores httprate's per-window counters in Redis so limits hold
// across replicas. Each window is its own key and expires after the
// following window has closed.
type redisCounter struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	window  time.Duration
}

func newRedisCounter(client redis.UniversalClient, prefix string, timeout time.Duration) *redisCounter {
	return &redisCounter{client: client, prefix: prefix, timeout: timeout, window: defaultRateWindow}
}

func (c *redisCounter) Config(_ int, windowLength time.Duration) {
	if windowLength > 0 {
		c.window = windowLength
	}
}

func (c *redisCounter) Increment(key string, currentWindow time.Time) error {
	return c.IncrementBy(key, currentWindow, 1)
}

func (c *redisCounter) IncrementBy(key string, currentWindow time.Time, amount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	k := c.key(key, currentWindow)
	pipe := c.client.TxPipeline()
	pipe.IncrBy(ctx, k, int64(amount))
	pipe.Expire(ctx, k, 3*c.window)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *redisCounter) Get(key string, currentWindow, previousWindow time.Time) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	values, err := c.client.MGet(ctx, c.key(key, currentWindow), c.key(key, previousWindow)).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(values) != 2 {
		return 0, 0, errors.New("unexpected redis reply length")
	}
	curr, err := counterValue(values[0])
	if err != nil {
		return 0, 0, err
	}
	prev, err := counterValue(values[1])
	if err != nil {
		return 0, 0, err
	}
	return curr, prev, nil
}

func (c *redisCounter) Close() error {
	return c.client.Close()
}

func (c *redisCounter) key(key string, window time.Time) string {
	return c.prefix + key + ":" + strconv.FormatInt(window.Unix(), 10)
}

func counterValue(v interface{}) (int, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.Atoi(val)
	default:
		return 0, errors.New("unexpected redis reply type")
	}
}
