// Package session keeps per-site cookie jars and CSRF tokens.
package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Session is one site's mutable credential state. The coordinator's worker
// for the site is its only writer; the mutex covers readers such as the
// status API.
type Session struct {
	site string

	mu                  sync.Mutex
	jar                 *cookiejar.Jar
	csrfToken           string
	tokenIssuedAt       time.Time
	lastSuccess         time.Time
	lastUsed            time.Time
	consecutiveFailures int
}

// State is a point-in-time copy of a session handed to site adapters.
type State struct {
	Site                string
	CSRFToken           string
	TokenIssuedAt       time.Time
	LastSuccess         time.Time
	ConsecutiveFailures int
}

// HasToken reports whether a CSRF token is cached.
func (s State) HasToken() bool { return s.CSRFToken != "" }

func newSession(site string) *Session {
	return &Session{site: site, jar: newJar(), lastUsed: time.Now()}
}

func newJar() *cookiejar.Jar {
	// cookiejar.New only fails on a non-nil PublicSuffixList error path that
	// publicsuffix.List never triggers.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// Jar returns the session's cookie jar. The jar is replaced on Invalidate,
// so callers fetch it per exchange rather than caching it.
func (s *Session) Jar() http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	return s.jar
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Site:                s.site,
		CSRFToken:           s.csrfToken,
		TokenIssuedAt:       s.tokenIssuedAt,
		LastSuccess:         s.lastSuccess,
		ConsecutiveFailures: s.consecutiveFailures,
	}
}

// Store hands out one Session per site, creating it on first use. Idle
// sessions expire after idleTTL and are pruned in the background.
type Store struct {
	sessions sync.Map // site (string) -> *Session
	tokenTTL time.Duration
	idleTTL  time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a Store. tokenTTL bounds how long a harvested CSRF token
// is reused; zero means tokens never expire on their own.
func NewStore(tokenTTL, idleTTL time.Duration) *Store {
	s := &Store{
		tokenTTL: tokenTTL,
		idleTTL:  idleTTL,
		done:     make(chan struct{}),
	}
	if idleTTL > 0 {
		go s.cleanupLoop()
	}
	return s
}

// Get returns the session for site, creating an empty one on first use.
// An expired token is dropped before the session is returned.
func (s *Store) Get(site string) *Session {
	val, ok := s.sessions.Load(site)
	if !ok {
		val, _ = s.sessions.LoadOrStore(site, newSession(site))
	}
	sess := val.(*Session)

	sess.mu.Lock()
	sess.lastUsed = time.Now()
	if s.tokenTTL > 0 && sess.csrfToken != "" && time.Since(sess.tokenIssuedAt) > s.tokenTTL {
		sess.csrfToken = ""
		sess.tokenIssuedAt = time.Time{}
	}
	sess.mu.Unlock()
	return sess
}

// Update replaces the cached credentials after a successful exchange.
// Cookies are merged into the jar for u; an empty token keeps the current one.
func (s *Store) Update(site string, u *url.URL, cookies []*http.Cookie, csrfToken string) {
	sess := s.Get(site)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if u != nil && len(cookies) > 0 {
		sess.jar.SetCookies(u, cookies)
	}
	if csrfToken != "" {
		sess.csrfToken = csrfToken
		sess.tokenIssuedAt = time.Now()
	}
}

// Invalidate clears cookies and token, forcing a fresh bootstrap on the
// next request. The failure count survives.
func (s *Store) Invalidate(site string) {
	sess := s.Get(site)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.jar = newJar()
	sess.csrfToken = ""
	sess.tokenIssuedAt = time.Time{}
}

// RecordSuccess resets the failure count. Call it only for an HTTP success
// whose page parsed.
func (s *Store) RecordSuccess(site string) {
	sess := s.Get(site)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.consecutiveFailures = 0
	sess.lastSuccess = time.Now()
}

// RecordFailure counts a rejection by the portal. Network-level errors
// should not be recorded here.
func (s *Store) RecordFailure(site string) int {
	sess := s.Get(site)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.consecutiveFailures++
	return sess.consecutiveFailures
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Store) cleanupLoop() {
	interval := s.idleTTL / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.prune(time.Now())
		}
	}
}

func (s *Store) prune(now time.Time) {
	s.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		sess.mu.Lock()
		idle := now.Sub(sess.lastUsed)
		sess.mu.Unlock()
		if idle > s.idleTTL {
			s.sessions.Delete(key)
		}
		return true
	})
}
