// Package retry turns per-attempt outcomes into retry decisions. One Policy
// is shared by every site; each task drives its own Tracker.
package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Class is how an attempt's outcome was classified.
type Class int

const (
	// ClassSuccess: the page was fetched and parsed.
	ClassSuccess Class = iota
	// ClassTransient: network failure, 5xx, 429.
	ClassTransient
	// ClassAmbiguous: a 4xx that may or may not be a block.
	ClassAmbiguous
	// ClassBlocked: a definitive anti-bot signal.
	ClassBlocked
	// ClassFatal: a local or configuration error; retrying cannot help.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassAmbiguous:
		return "ambiguous"
	case ClassBlocked:
		return "blocked"
	case ClassFatal:
		return "fatal"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Outcome is the classified result of one attempt.
type Outcome struct {
	Class  Class
	Status int // HTTP status, 0 for transport failures

	// RetryAfter is the server's requested wait, when it sent one.
	RetryAfter time.Duration
	Err        error
}

// Kind is the decision taken after an attempt.
type Kind int

const (
	Succeed Kind = iota
	RetryAfter
	Blocked
	Exhausted
	Abort
)

func (k Kind) String() string {
	switch k {
	case Succeed:
		return "succeed"
	case RetryAfter:
		return "retry_after"
	case Blocked:
		return "blocked"
	case Exhausted:
		return "exhausted"
	case Abort:
		return "abort"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Decision is the Tracker's answer for one attempt.
type Decision struct {
	Kind    Kind
	Delay   time.Duration // set for RetryAfter
	Attempt int           // 1-based attempt the decision is for
	Reason  string
}

// Policy holds the shared backoff and attempt-cap parameters.
type Policy struct {
	// MaxAttempts caps attempts per task.
	MaxAttempts int // default: 3

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration // default: 2s

	// MaxDelay caps any single backoff.
	MaxDelay time.Duration // default: 30s

	// Jitter is the +/- fraction applied to each delay.
	Jitter float64 // default: 0.2

	// RepeatLimit is how many times in a row the same ambiguous 4xx may be
	// seen before it is treated as a block.
	RepeatLimit int // default: 2

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
		RepeatLimit: 2,
	}
}

// Validate reports a malformed policy.
func (p *Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry: max attempts must be >= 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("retry: base delay must be >= 0, got %v", p.BaseDelay)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("retry: max delay %v is below base delay %v", p.MaxDelay, p.BaseDelay)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("retry: jitter must be in [0, 1), got %v", p.Jitter)
	case p.RepeatLimit < 0:
		return fmt.Errorf("retry: repeat limit must be >= 0, got %d", p.RepeatLimit)
	}
	return nil
}

// Backoff returns the jittered, capped delay after the given 1-based attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*p.random()-1)
	}
	if ceiling := float64(p.MaxDelay); p.MaxDelay > 0 && d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

func (p *Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// NewTracker starts the state for one task.
func (p *Policy) NewTracker() *Tracker {
	return &Tracker{policy: p}
}

// Tracker is the per-task retry state. Not safe for concurrent use; a task
// runs on one goroutine.
type Tracker struct {
	policy    *Policy
	attempts  int
	lastDelay time.Duration
	// lastStatus/streak count back-to-back ambiguous 4xx with the same code.
	lastStatus int
	streak     int
}

// Attempts returns how many outcomes have been recorded.
func (t *Tracker) Attempts() int { return t.attempts }

// Next records the outcome of the next attempt and decides what follows.
func (t *Tracker) Next(o Outcome) Decision {
	t.attempts++
	d := Decision{Attempt: t.attempts}
	atCap := t.attempts >= t.policy.MaxAttempts

	switch o.Class {
	case ClassSuccess:
		d.Kind = Succeed
		return d

	case ClassFatal:
		d.Kind = Abort
		d.Reason = errString(o.Err, "fatal error")
		return d

	case ClassBlocked:
		d.Kind = Blocked
		d.Reason = reason(o, "block signal")
		return d

	case ClassAmbiguous:
		if o.Status == t.lastStatus {
			t.streak++
		} else {
			t.lastStatus, t.streak = o.Status, 1
		}
		switch {
		case t.policy.RepeatLimit > 0 && t.streak > t.policy.RepeatLimit:
			d.Kind = Blocked
			d.Reason = fmt.Sprintf("HTTP %d repeated %d times", o.Status, t.streak)
			return d
		case atCap && t.streak == t.attempts:
			d.Kind = Blocked
			d.Reason = fmt.Sprintf("HTTP %d on every attempt", o.Status)
			return d
		case atCap:
			d.Kind = Exhausted
			d.Reason = reason(o, "attempts exhausted")
			return d
		}

	default: // ClassTransient
		t.lastStatus, t.streak = 0, 0
		if atCap {
			d.Kind = Exhausted
			d.Reason = reason(o, "attempts exhausted")
			return d
		}
	}

	d.Kind = RetryAfter
	d.Reason = reason(o, "transient")
	d.Delay = t.delay(o)
	return d
}

// delay computes the wait before the next attempt. It honours the server's
// Retry-After up to MaxDelay and never shrinks across a task's attempts.
func (t *Tracker) delay(o Outcome) time.Duration {
	d := t.policy.Backoff(t.attempts)
	if o.RetryAfter > d {
		d = o.RetryAfter
		if t.policy.MaxDelay > 0 && d > t.policy.MaxDelay {
			d = t.policy.MaxDelay
		}
	}
	if d < t.lastDelay {
		d = t.lastDelay
	}
	t.lastDelay = d
	return d
}

func reason(o Outcome, fallback string) string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Status != 0 {
		return fmt.Sprintf("HTTP %d", o.Status)
	}
	return fallback
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
