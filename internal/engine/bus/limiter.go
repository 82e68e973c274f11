// Package bus holds the concurrency primitives shared by the lifecycle
// manager and the stores: a permit limiter that bounds in-flight calls to
// the other layer, and a keyed mutex that serializes work per account.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrLimitExceeded  = errors.New("concurrency limit exceeded")
	ErrAcquireTimeout = errors.New("acquire timeout")
	ErrLimiterClosed  = errors.New("limiter is closed")
)

// LimiterConfig holds configuration for a limiter.
type LimiterConfig struct {
	// MaxConcurrent is the number of permits. 0 means unlimited.
	MaxConcurrent int

	// AcquireTimeout bounds the wait for a permit. 0 waits for the context.
	AcquireTimeout time.Duration

	// QueueSize caps waiting callers. 0 means no cap.
	QueueSize int
}

// DefaultLimiterConfig returns the limits used for cross-layer calls.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxConcurrent:  64,
		AcquireTimeout: 10 * time.Second,
		QueueSize:      1024,
	}
}

// Limiter hands out a bounded number of permits.
type Limiter struct {
	mu      sync.Mutex
	config  LimiterConfig
	permits chan struct{}
	closed  chan struct{}
	once    sync.Once

	waiting int32
	active  int32

	totalAcquired int64
	totalRejected int64
	totalTimeouts int64
}

func NewLimiter(config LimiterConfig) *Limiter {
	l := &Limiter{config: config, closed: make(chan struct{})}
	if config.MaxConcurrent > 0 {
		l.permits = make(chan struct{}, config.MaxConcurrent)
		for i := 0; i < config.MaxConcurrent; i++ {
			l.permits <- struct{}{}
		}
	}
	return l
}

// Acquire blocks until a permit is free, the context ends, the acquire
// timeout passes or the limiter closes.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case <-l.closed:
		return ErrLimiterClosed
	default:
	}
	if l.permits == nil {
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	}

	l.mu.Lock()
	if l.config.QueueSize > 0 && int(atomic.LoadInt32(&l.waiting)) >= l.config.QueueSize {
		l.mu.Unlock()
		atomic.AddInt64(&l.totalRejected, 1)
		return ErrLimitExceeded
	}
	atomic.AddInt32(&l.waiting, 1)
	l.mu.Unlock()
	defer atomic.AddInt32(&l.waiting, -1)

	var timeout <-chan time.Time
	if l.config.AcquireTimeout > 0 {
		timer := time.NewTimer(l.config.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-l.permits:
		atomic.AddInt32(&l.active, 1)
		atomic.AddInt64(&l.totalAcquired, 1)
		return nil
	case <-l.closed:
		return ErrLimiterClosed
	case <-ctx.Done():
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ctx.Err()
	case <-timeout:
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ErrAcquireTimeout
	}
}

// Release returns a permit.
func (l *Limiter) Release() {
	atomic.AddInt32(&l.active, -1)
	if l.permits == nil {
		return
	}
	select {
	case l.permits <- struct{}{}:
	default:
	}
}

// Do runs fn while holding a permit.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// Close wakes waiters and rejects future acquires.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.closed) })
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	Active        int   `json:"active"`
	Waiting       int   `json:"waiting"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalRejected int64 `json:"total_rejected"`
	TotalTimeouts int64 `json:"total_timeouts"`
}

func (l *Limiter) Stats() Stats {
	return Stats{
		MaxConcurrent: l.config.MaxConcurrent,
		Active:        l.Active(),
		Waiting:       int(atomic.LoadInt32(&l.waiting)),
		TotalAcquired: atomic.LoadInt64(&l.totalAcquired),
		TotalRejected: atomic.LoadInt64(&l.totalRejected),
		TotalTimeouts: atomic.LoadInt64(&l.totalTimeouts),
	}
}

func (l *Limiter) Active() int { return int(atomic.LoadInt32(&l.active)) }
