// Package classify decides whether a portal response is a success, a block
// page or a transient failure. The signals are per-site data compiled from
// configuration; the retry state machine that consumes the verdict lives in
// package retry.
package classify

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/use-agent/planscout/models"
	"github.com/use-agent/planscout/retry"
	"golang.org/x/net/html"
)

// Kind is the coarse verdict on a response.
type Kind int

const (
	Success Kind = iota
	Blocked
	Transient
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Blocked:
		return "blocked"
	case Transient:
		return "transient"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Reason says which signal produced the verdict.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNetwork       Reason = "network"
	ReasonServer        Reason = "server"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonAmbiguous     Reason = "ambiguous"
	ReasonTokenRejected Reason = "token_rejected"
	ReasonStatus        Reason = "block_status"
	ReasonPhrase        Reason = "block_phrase"
	ReasonSelector      Reason = "block_selector"
	ReasonFingerprint   Reason = "block_fingerprint"
)

// Verdict is the classification of one exchange.
type Verdict struct {
	Kind       Kind
	Reason     Reason
	Status     int
	Detail     string
	RetryAfter time.Duration
	Err        error // transport error, when Reason is ReasonNetwork
}

// TransportFailure is the verdict for an exchange that produced no response.
func TransportFailure(err error) Verdict {
	return Verdict{Kind: Transient, Reason: ReasonNetwork, Detail: err.Error(), Err: err}
}

// IsRejection reports whether the portal itself turned the request down, as
// opposed to the network failing.
func (v Verdict) IsRejection() bool {
	return v.Kind != Success && v.Reason != ReasonNetwork
}

// Outcome converts the verdict for the retry state machine.
func (v Verdict) Outcome() retry.Outcome {
	o := retry.Outcome{Status: v.Status, RetryAfter: v.RetryAfter, Err: v.Err}
	switch {
	case v.Kind == Success:
		o.Class = retry.ClassSuccess
	case v.Kind == Blocked:
		o.Class = retry.ClassBlocked
	case v.Reason == ReasonAmbiguous:
		o.Class = retry.ClassAmbiguous
	default:
		o.Class = retry.ClassTransient
	}
	if o.Err == nil && v.Detail != "" && v.Kind != Success {
		o.Err = errors.New(v.Detail)
	}
	return o
}

// Rules is a compiled per-site predicate.
type Rules struct {
	blockStatuses map[int]struct{}
	phrases       []string // lowercase
	selectors     []cascadia.Sel
	selectorSrc   []string
	fingerprints  []uint64
	threshold     int
	tokenStatuses map[int]struct{}
	tokenPhrases  []string // lowercase
}

// Compile validates cfg and builds Rules from it.
func Compile(cfg models.BlockRules) (*Rules, error) {
	r := &Rules{
		blockStatuses: make(map[int]struct{}, len(cfg.Statuses)),
		tokenStatuses: make(map[int]struct{}, len(cfg.TokenStatuses)),
		threshold:     cfg.FingerprintThreshold,
	}
	for _, code := range cfg.Statuses {
		if code < 100 || code > 599 {
			return nil, fmt.Errorf("classify: block status %d out of range", code)
		}
		r.blockStatuses[code] = struct{}{}
	}
	for _, code := range cfg.TokenStatuses {
		if code < 100 || code > 599 {
			return nil, fmt.Errorf("classify: token status %d out of range", code)
		}
		r.tokenStatuses[code] = struct{}{}
	}
	r.phrases = lowerAll(cfg.Phrases)
	r.tokenPhrases = lowerAll(cfg.TokenPhrases)

	for _, src := range cfg.Selectors {
		sel, err := cascadia.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("classify: block selector %q: %w", src, err)
		}
		r.selectors = append(r.selectors, sel)
		r.selectorSrc = append(r.selectorSrc, src)
	}
	for _, src := range cfg.Fingerprints {
		fp, err := ParseFingerprint(src)
		if err != nil {
			return nil, err
		}
		r.fingerprints = append(r.fingerprints, fp)
	}
	if len(r.fingerprints) > 0 && r.threshold <= 0 {
		r.threshold = 3
	}
	return r, nil
}

// MustCompile is Compile for rule sets known at build time.
func MustCompile(cfg models.BlockRules) *Rules {
	r, err := Compile(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

// Classify judges raw. Checks run from most to least specific: configured
// block statuses, block page signatures in the body, token rejection, then
// the generic status classes.
func (r *Rules) Classify(raw *models.RawResponse) Verdict {
	status := raw.Status
	v := Verdict{Status: status}

	if _, ok := r.blockStatuses[status]; ok {
		v.Kind, v.Reason, v.Detail = Blocked, ReasonStatus, fmt.Sprintf("HTTP %d", status)
		return v
	}
	if reason, detail := r.blockSignature(raw.Body); reason != ReasonNone {
		v.Kind, v.Reason, v.Detail = Blocked, reason, detail
		return v
	}
	if detail, ok := r.tokenRejected(status, raw.Body); ok {
		v.Kind, v.Reason, v.Detail = Transient, ReasonTokenRejected, detail
		return v
	}

	switch {
	case status >= 200 && status < 300:
		v.Kind = Success
	case status == http.StatusTooManyRequests:
		v.Kind, v.Reason = Transient, ReasonRateLimited
		v.RetryAfter = ParseRetryAfter(raw.Header, time.Now())
	case status >= 500 || status == http.StatusRequestTimeout:
		v.Kind, v.Reason = Transient, ReasonServer
		v.RetryAfter = ParseRetryAfter(raw.Header, time.Now())
	default:
		v.Kind, v.Reason = Transient, ReasonAmbiguous
	}
	if v.Kind != Success {
		v.Detail = fmt.Sprintf("HTTP %d", status)
	}
	return v
}

func (r *Rules) blockSignature(body []byte) (Reason, string) {
	if len(body) == 0 {
		return ReasonNone, ""
	}
	if len(r.phrases) > 0 {
		lower := bytes.ToLower(body)
		for _, p := range r.phrases {
			if bytes.Contains(lower, []byte(p)) {
				return ReasonPhrase, fmt.Sprintf("block phrase %q", p)
			}
		}
	}
	if len(r.selectors) > 0 {
		if doc, err := html.Parse(bytes.NewReader(body)); err == nil {
			for i, sel := range r.selectors {
				if cascadia.Query(doc, sel) != nil {
					return ReasonSelector, fmt.Sprintf("block selector %q", r.selectorSrc[i])
				}
			}
		}
	}
	if len(r.fingerprints) > 0 {
		fp := Fingerprint(body)
		for _, known := range r.fingerprints {
			if d := Distance(fp, known); d <= r.threshold {
				return ReasonFingerprint, fmt.Sprintf("block fingerprint %s (distance %d)", FormatFingerprint(known), d)
			}
		}
	}
	return ReasonNone, ""
}

func (r *Rules) tokenRejected(status int, body []byte) (string, bool) {
	if _, ok := r.tokenStatuses[status]; ok {
		return fmt.Sprintf("HTTP %d token rejected", status), true
	}
	if len(r.tokenPhrases) == 0 || len(body) == 0 {
		return "", false
	}
	lower := bytes.ToLower(body)
	for _, p := range r.tokenPhrases {
		if bytes.Contains(lower, []byte(p)) {
			return fmt.Sprintf("token phrase %q", p), true
		}
	}
	return "", false
}

// ParseRetryAfter reads a Retry-After header in either seconds or HTTP-date
// form. It returns 0 when absent or unparseable.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
