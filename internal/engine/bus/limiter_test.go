package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_AcquireRelease(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 2})
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if l.Active() != 1 {
		t.Errorf("Active() = %d, want 1", l.Active())
	}
	l.Release()
	if l.Active() != 0 {
		t.Errorf("Active() = %d, want 0", l.Active())
	}
}

func TestLimiter_BlocksAtCapacity(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1, AcquireTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := l.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second Acquire = %v, want ErrAcquireTimeout", err)
	}
	l.Release()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if s := l.Stats(); s.TotalTimeouts != 1 || s.TotalAcquired != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestLimiter_ContextCancel(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1})
	_ = l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire = %v, want context.Canceled", err)
	}
}

func TestLimiter_Close(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 1})
	_ = l.Acquire(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	l.Close()
	l.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLimiterClosed) {
			t.Fatalf("waiter got %v, want ErrLimiterClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
}

func TestLimiter_DoBoundsConcurrency(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxConcurrent: 3})
	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak > 3 {
		t.Fatalf("peak concurrency %d exceeds limit 3", peak)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(LimiterConfig{})
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}
	if l.Active() != 100 {
		t.Errorf("Active() = %d, want 100", l.Active())
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex[string]()
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.With(context.Background(), "a", func() error {
				if atomic.AddInt32(&inside, 1) != 1 {
					t.Error("two holders of the same key")
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if m.Len() != 0 {
		t.Errorf("Len() = %d after all released, want 0", m.Len())
	}
}

func TestKeyedMutex_DistinctKeysIndependent(t *testing.T) {
	m := NewKeyedMutex[int]()
	unlock, err := m.Lock(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.With(ctx, 2, func() error { return nil }); err != nil {
		t.Fatalf("other key blocked: %v", err)
	}
}

func TestKeyedMutex_LockHonoursContext(t *testing.T) {
	m := NewKeyedMutex[int]()
	unlock, _ := m.Lock(context.Background(), 7)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, 7); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock = %v, want DeadlineExceeded", err)
	}
	unlock()
	unlock()
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}
