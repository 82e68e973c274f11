package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/datmedevil17/simcityMagicblock/internal/engine/state"
)

func TestRingBuffer_Log(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Log(Event{Type: EventDelegated, Account: "acct-1", State: state.Delegated})

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}
	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent(1) len = %d, want 1", len(recent))
	}
	if recent[0].Account != "acct-1" {
		t.Errorf("Account = %q, want acct-1", recent[0].Account)
	}
	if recent[0].ID == "" {
		t.Error("ID should be auto-generated")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
}

func TestRingBuffer_OverflowKeepsNewest(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, acct := range []string{"a", "b", "c", "d", "e"} {
		rb.Log(Event{Type: EventCommitted, Account: acct})
	}
	if rb.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", rb.Count())
	}
	recent := rb.Recent(10)
	want := []string{"e", "d", "c"}
	for i, e := range recent {
		if e.Account != want[i] {
			t.Errorf("Recent[%d].Account = %q, want %q", i, e.Account, want[i])
		}
	}
}

func TestRingBuffer_Filters(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Log(Event{Type: EventDelegated, Account: "a"})
	rb.Log(Event{Type: EventCommitted, Account: "b"})
	rb.Log(Event{Type: EventCommitted, Account: "a"})

	if got := rb.RecentByAccount("a", 10); len(got) != 2 {
		t.Errorf("RecentByAccount len = %d, want 2", len(got))
	}
	if got := rb.RecentByType(EventCommitted, 1); len(got) != 1 || got[0].Account != "a" {
		t.Errorf("RecentByType = %+v", got)
	}
	if got := rb.Recent(0); got != nil {
		t.Errorf("Recent(0) = %v, want nil", got)
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)
	var all, failures int32

	unsub := rb.Subscribe(func(Event) { atomic.AddInt32(&all, 1) })
	rb.SubscribeFiltered(func(e Event) bool { return e.Type == EventFailed }, func(Event) {
		atomic.AddInt32(&failures, 1)
	})

	rb.Log(Event{Type: EventDelegated})
	rb.Log(Event{Type: EventFailed})
	unsub()
	rb.Log(Event{Type: EventFailed})

	if all != 2 {
		t.Errorf("all handler calls = %d, want 2", all)
	}
	if failures != 2 {
		t.Errorf("filtered handler calls = %d, want 2", failures)
	}
}

func TestRingBuffer_ConcurrentLog(t *testing.T) {
	rb := NewRingBuffer(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rb.Log(Event{Type: EventCommitted})
		}()
	}
	wg.Wait()
	if rb.Count() != 50 {
		t.Errorf("Count() = %d, want 50", rb.Count())
	}
}

func TestEventBuilder(t *testing.T) {
	rb := NewRingBuffer(10)
	ctx := WithRequestID(context.Background(), "req-9")

	NewEvent(EventFailed).
		Account("acct", "city").
		Component("delegation").
		State(state.Delegated).
		Validator("v1").
		Handoff("h1").
		ErrorFrom(errors.New("boom")).
		Metadata("op", "delegate").
		LogToWithContext(ctx, rb)

	e := rb.Recent(1)[0]
	if e.Severity != SeverityError || e.Error != "boom" {
		t.Errorf("error not recorded: %+v", e)
	}
	if e.RequestID != "req-9" || e.Kind != "city" || e.HandoffID != "h1" || e.Metadata["op"] != "delegate" {
		t.Errorf("fields not recorded: %+v", e)
	}
}

func TestNoOpLogger(t *testing.T) {
	var l EventLogger = NoOpLogger{}
	l.Log(Event{})
	l.Subscribe(func(Event) {})()
	if l.Recent(5) != nil {
		t.Error("NoOpLogger should return nil")
	}
}
