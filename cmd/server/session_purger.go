package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	purgeTimeout = 30 * time.Second
	// purgeAlertAfter is the run of failed sweeps after which failures are
	// logged at error level.
	purgeAlertAfter = 3
)

type sessionPurger interface {
	PurgeExpired(ctx context.Context) error
}

// tickSource returns a tick channel and the function that stops it.
type tickSource func(time.Duration) (<-chan time.Time, func())

func realTicks(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// sessionJanitor removes expired sessions on a fixed interval.
type sessionJanitor struct {
	sessions sessionPurger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	ticks    tickSource

	failures int
}

func (j *sessionJanitor) run(ctx context.Context) {
	ticks, stop := j.ticks(j.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			j.sweep(ctx)
		}
	}
}

func (j *sessionJanitor) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	began := time.Now()
	err := j.sessions.PurgeExpired(sweepCtx)
	if err == nil {
		if j.failures > 0 {
			j.logger.Info("session purge recovered", "failed_runs", j.failures)
		}
		j.failures = 0
		j.logger.Debug("purged expired sessions", "duration_ms", time.Since(began).Milliseconds())
		return
	}
	if ctx.Err() != nil {
		return
	}
	j.failures++
	level := slog.LevelWarn
	if j.failures >= purgeAlertAfter {
		level = slog.LevelError
	}
	j.logger.Log(ctx, level, "failed to purge expired sessions", "error", err, "consecutive_failures", j.failures)
}

// startSessionPurgeWorker removes expired sessions every interval until ctx
// ends or the returned stop function is called. Stop waits for an
// in-progress sweep.
func startSessionPurgeWorker(ctx context.Context, logger *slog.Logger, sessions sessionPurger, interval time.Duration) func() {
	return startJanitor(ctx, logger, sessions, interval, realTicks)
}

func startJanitor(ctx context.Context, logger *slog.Logger, sessions sessionPurger, interval time.Duration, ticks tickSource) func() {
	if sessions == nil || interval <= 0 {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &sessionJanitor{
		sessions: sessions,
		interval: interval,
		timeout:  purgeTimeout,
		logger:   logger,
		ticks:    ticks,
	}
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.run(workerCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
