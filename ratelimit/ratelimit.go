// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds forward rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Rate and Burst bound all forwards together.
	Rate  float64 `yaml:"rate"` // forwards per second
	Burst int     `yaml:"burst"`

	// QueueRate and QueueBurst bound forwards to a single reply queue.
	// Zero disables the per-queue limit.
	QueueRate  float64 `yaml:"queue_rate"`
	QueueBurst int     `yaml:"queue_burst"`

	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ForwardLimiter paces forwards globally and per reply queue.
// A nil *ForwardLimiter never waits.
type ForwardLimiter struct {
	global *rate.Limiter

	mu         sync.Mutex
	queues     map[string]*queueEntry
	queueRate  rate.Limit
	queueBurst int
	cleanup    time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type queueEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter from cfg. It returns nil when cfg is disabled.
func New(cfg Config) *ForwardLimiter {
	if !cfg.Enabled {
		return nil
	}

	l := &ForwardLimiter{
		queues:     make(map[string]*queueEntry),
		queueRate:  rate.Limit(cfg.QueueRate),
		queueBurst: max(cfg.QueueBurst, 1),
		cleanup:    cfg.CleanupInterval,
		stopCh:     make(chan struct{}),
	}
	if cfg.Rate > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.Rate), max(cfg.Burst, 1))
	}
	if l.cleanup <= 0 {
		l.cleanup = time.Minute
	}
	if cfg.QueueRate > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Wait blocks until a forward to queue is allowed or ctx is done.
func (l *ForwardLimiter) Wait(ctx context.Context, queue string) error {
	if l == nil {
		return nil
	}

	if ql := l.queueLimiter(queue); ql != nil {
		if err := ql.Wait(ctx); err != nil {
			return err
		}
	}
	if l.global != nil {
		return l.global.Wait(ctx)
	}
	return nil
}

func (l *ForwardLimiter) queueLimiter(queue string) *rate.Limiter {
	if l.queueRate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.queues[queue]
	if !exists {
		entry = &queueEntry{limiter: rate.NewLimiter(l.queueRate, l.queueBurst)}
		l.queues[queue] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanupLoop periodically removes limiters of idle queues.
func (l *ForwardLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ForwardLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for queue, entry := range l.queues {
		if entry.lastSeen.Before(threshold) {
			delete(l.queues, queue)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *ForwardLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}
