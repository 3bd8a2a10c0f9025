package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquire_SpacesSameKey(t *testing.T) {
	l := New()
	l.Register("a.example", 40*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background(), "a.example"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	// First token is immediate, the next two wait one interval each.
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Errorf("three acquires took %v, want >= 80ms spacing", elapsed)
	}
}

func TestAcquire_KeysAreIndependent(t *testing.T) {
	l := New()
	l.Register("slow.example", time.Hour)
	l.Register("fast.example", time.Hour)

	// Drain the slow bucket's only token.
	if err := l.Acquire(context.Background(), "slow.example"); err != nil {
		t.Fatalf("acquire slow: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), "fast.example") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire fast: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire on an untouched key blocked behind another key")
	}
}

func TestAcquire_Cancellable(t *testing.T) {
	l := New()
	l.Register("a.example", time.Hour)
	if err := l.Acquire(context.Background(), "a.example"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := l.Acquire(ctx, "a.example")
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestAcquire_UnknownKey(t *testing.T) {
	l := New()
	err := l.Acquire(context.Background(), "nobody.example")
	if !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("expected ErrUnknownSite, got %v", err)
	}
}

func TestAcquire_ConcurrentSameKeySerializes(t *testing.T) {
	l := New()
	l.Register("a.example", 30*time.Millisecond)

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background(), "a.example"); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(stamps) != 4 {
		t.Fatalf("got %d grants, want 4", len(stamps))
	}
	first, last := stamps[0], stamps[0]
	for _, s := range stamps {
		if s.Before(first) {
			first = s
		}
		if s.After(last) {
			last = s
		}
	}
	if spread := last.Sub(first); spread < 80*time.Millisecond {
		t.Errorf("4 grants spread over %v, want >= 90ms", spread)
	}
}

func TestRegister_KeepsLongerInterval(t *testing.T) {
	tests := []struct {
		name  string
		first time.Duration
		then  time.Duration
		want  time.Duration
	}{
		{"longer second", time.Second, 2 * time.Second, 2 * time.Second},
		{"shorter second", 2 * time.Second, time.Second, 2 * time.Second},
		{"zero then positive", 0, time.Second, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			l.Register("k", tt.first)
			l.Register("k", tt.then)
			got, ok := l.Interval("k")
			if !ok {
				t.Fatal("key not registered")
			}
			if diff := got - tt.want; diff > time.Millisecond || diff < -time.Millisecond {
				t.Errorf("interval = %v, want %v", got, tt.want)
			}
		})
	}
}
