package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"

	"bitriver-relay/internal/api"
)

const defaultRateWindow = time.Minute

// RateLimitConfig bounds start-stream requests per client IP. A zero
// StartStreamLimit disables the limit. When RedisAddr is set the counters
// are shared by every replica using the same Redis.
type RateLimitConfig struct {
	StartStreamLimit int
	Window           time.Duration
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTimeout     time.Duration
}

type startLimiter struct {
	limit   int
	window  time.Duration
	counter *redisCounter
	logger  *slog.Logger
}

func newStartLimiter(cfg RateLimitConfig, logger *slog.Logger) (*startLimiter, error) {
	if cfg.StartStreamLimit < 0 {
		return nil, errors.New("start stream rate limit must not be negative")
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultRateWindow
	}
	l := &startLimiter{limit: cfg.StartStreamLimit, window: window, logger: logger}
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" && l.limit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{addr},
			Username:     strings.TrimSpace(cfg.RedisUsername),
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		})
		l.counter = newRedisCounter(client, "bitriver-relay:ratelimit:", timeout)
	}
	return l, nil
}

func (l *startLimiter) middleware() func(http.Handler) http.Handler {
	if l == nil || l.limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	opts := []httprate.Option{
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.window.Seconds())))
			api.WriteError(w, http.StatusTooManyRequests, "validation_error", "Too many stream requests. Please try again later.")
		}),
	}
	if l.counter != nil {
		opts = append(opts, httprate.WithLimitCounter(l.counter))
		opts = append(opts, httprate.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			l.logger.Error("rate limiter failure", "error", err)
			api.WriteError(w, http.StatusServiceUnavailable, "server_error", "rate limit failure")
		}))
	}
	return httprate.Limit(l.limit, l.window, opts...)
}

func (l *startLimiter) Close() error {
	if l == nil || l.counter == nil {
		return nil
	}
	return l.counter.Close()
}
