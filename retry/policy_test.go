package retry

import (
	"errors"
	"testing"
	"time"
)

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func testPolicy() *Policy {
	p := DefaultPolicy()
	p.Rand = fixedRand(0.5) // no jitter
	return p
}

func TestBackoff_Exponential(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{9, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name string
		r    float64
		want time.Duration
	}{
		{"low", 0, 1600 * time.Millisecond},
		{"mid", 0.5, 2 * time.Second},
		{"high", 0.999999, 2400 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.Rand = fixedRand(tt.r)
			got := p.Backoff(1)
			if diff := got - tt.want; diff > time.Millisecond || diff < -time.Millisecond {
				t.Errorf("Backoff(1) = %v, want ~%v", got, tt.want)
			}
		})
	}
}

func TestTracker_TransientThenSuccess(t *testing.T) {
	tr := testPolicy().NewTracker()

	d := tr.Next(Outcome{Class: ClassTransient, Status: 503})
	if d.Kind != RetryAfter || d.Delay != 2*time.Second {
		t.Fatalf("first decision = %+v, want RetryAfter(2s)", d)
	}
	d = tr.Next(Outcome{Class: ClassSuccess, Status: 200})
	if d.Kind != Succeed {
		t.Fatalf("second decision = %+v, want Succeed", d)
	}
	if tr.Attempts() != 2 {
		t.Errorf("attempts = %d, want 2", tr.Attempts())
	}
}

func TestTracker_TransientExhausts(t *testing.T) {
	tr := testPolicy().NewTracker()
	var last Decision
	for i := 0; i < 3; i++ {
		last = tr.Next(Outcome{Class: ClassTransient, Err: errors.New("timeout")})
	}
	if last.Kind != Exhausted {
		t.Fatalf("decision at cap = %v, want exhausted", last.Kind)
	}
	if last.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", last.Attempt)
	}
}

func TestTracker_Repeated403Blocks(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		wantKinds   []Kind
	}{
		{"cap 3", 3, []Kind{RetryAfter, RetryAfter, Blocked}},
		{"cap 2", 2, []Kind{RetryAfter, Blocked}},
		{"cap 5", 5, []Kind{RetryAfter, RetryAfter, Blocked}},
		{"cap 1", 1, []Kind{Blocked}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy()
			p.MaxAttempts = tt.maxAttempts
			tr := p.NewTracker()
			for i, want := range tt.wantKinds {
				d := tr.Next(Outcome{Class: ClassAmbiguous, Status: 403})
				if d.Kind != want {
					t.Fatalf("attempt %d: kind = %v, want %v", i+1, d.Kind, want)
				}
			}
			if tr.Attempts() > tt.maxAttempts {
				t.Errorf("attempts %d exceed cap %d", tr.Attempts(), tt.maxAttempts)
			}
		})
	}
}

func TestTracker_MixedAmbiguousExhausts(t *testing.T) {
	tr := testPolicy().NewTracker()
	tr.Next(Outcome{Class: ClassAmbiguous, Status: 403})
	tr.Next(Outcome{Class: ClassAmbiguous, Status: 404})
	d := tr.Next(Outcome{Class: ClassAmbiguous, Status: 403})
	if d.Kind != Exhausted {
		t.Fatalf("kind = %v, want exhausted", d.Kind)
	}
}

func TestTracker_TransientBreaksStreak(t *testing.T) {
	p := testPolicy()
	p.MaxAttempts = 5
	tr := p.NewTracker()
	tr.Next(Outcome{Class: ClassAmbiguous, Status: 403})
	tr.Next(Outcome{Class: ClassAmbiguous, Status: 403})
	tr.Next(Outcome{Class: ClassTransient, Status: 502})
	d := tr.Next(Outcome{Class: ClassAmbiguous, Status: 403})
	if d.Kind != RetryAfter {
		t.Fatalf("kind = %v, want retry_after after streak reset", d.Kind)
	}
}

func TestTracker_BlockedAndFatalStopImmediately(t *testing.T) {
	tests := []struct {
		name  string
		class Class
		want  Kind
	}{
		{"blocked", ClassBlocked, Blocked},
		{"fatal", ClassFatal, Abort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := testPolicy().NewTracker()
			if d := tr.Next(Outcome{Class: tt.class}); d.Kind != tt.want {
				t.Errorf("kind = %v, want %v", d.Kind, tt.want)
			}
		})
	}
}

func TestTracker_DelaysNonDecreasing(t *testing.T) {
	// Alternate extreme jitter so raw backoff would shrink without the floor.
	vals := []float64{0.999, 0.0, 0.999, 0.0, 0.999, 0.0, 0.999}
	i := 0
	p := DefaultPolicy()
	p.MaxAttempts = 8
	p.BaseDelay = 10 * time.Second
	p.MaxDelay = 25 * time.Second
	p.Rand = func() float64 { v := vals[i%len(vals)]; i++; return v }

	tr := p.NewTracker()
	var prev time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		d := tr.Next(Outcome{Class: ClassTransient, Status: 500})
		if d.Kind != RetryAfter {
			t.Fatalf("attempt %d: kind = %v", n, d.Kind)
		}
		if d.Delay < prev {
			t.Fatalf("attempt %d: delay %v < previous %v", n, d.Delay, prev)
		}
		if d.Delay > p.MaxDelay {
			t.Fatalf("attempt %d: delay %v above cap", n, d.Delay)
		}
		prev = d.Delay
	}
	if d := tr.Next(Outcome{Class: ClassTransient, Status: 500}); d.Kind != Exhausted {
		t.Fatalf("final kind = %v, want exhausted", d.Kind)
	}
}

func TestTracker_HonoursRetryAfter(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{"shorter than backoff", time.Second, 2 * time.Second},
		{"longer than backoff", 10 * time.Second, 10 * time.Second},
		{"above cap", time.Hour, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := testPolicy().NewTracker()
			d := tr.Next(Outcome{Class: ClassTransient, Status: 429, RetryAfter: tt.retryAfter})
			if d.Delay != tt.want {
				t.Errorf("delay = %v, want %v", d.Delay, tt.want)
			}
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"default", func(*Policy) {}, false},
		{"zero attempts", func(p *Policy) { p.MaxAttempts = 0 }, true},
		{"negative base", func(p *Policy) { p.BaseDelay = -time.Second }, true},
		{"max below base", func(p *Policy) { p.MaxDelay = time.Second }, true},
		{"jitter one", func(p *Policy) { p.Jitter = 1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
