package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var fast = Policy{Attempts: 4, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}

func TestDoSucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	h := Do(context.Background(), fast, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDoGivesUp(t *testing.T) {
	var calls atomic.Int32
	h := Do(context.Background(), fast, func(context.Context) error {
		calls.Add(1)
		return errors.New("missing")
	})
	err := h.Wait()
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Wait = %v, want ErrGaveUp", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("calls = %d, want 4", calls.Load())
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	h := Do(context.Background(), fast, func(context.Context) error {
		calls.Add(1)
		return Permanent(errors.New("fatal"))
	})
	_ = h.Wait()
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestCancelStopsLoop(t *testing.T) {
	slow := Policy{Attempts: 100, Initial: 50 * time.Millisecond, Max: time.Second}
	started := make(chan struct{}, 1)
	h := Do(context.Background(), slow, func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return errors.New("again")
	})
	<-started
	h.Cancel()
	h.Cancel()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after Cancel")
	}
	if err := h.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
}
