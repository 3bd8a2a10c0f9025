package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/use-agent/planscout/models"
)

// Memory is an in-process store. Contents are lost on exit.
type Memory struct {
	mu      sync.RWMutex
	records map[string]models.CandidateRecord
	order   []string
	logs    []models.RunOutcome
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.CandidateRecord)}
}

func (m *Memory) Exists(_ context.Context, site, externalID string) (bool, error) {
	key := (&models.CandidateRecord{Site: site, ExternalID: externalID}).Key()
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *Memory) Insert(_ context.Context, rec models.CandidateRecord) error {
	key := rec.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return ErrDuplicate
	}
	if rec.ScrapedAt.IsZero() {
		rec.ScrapedAt = time.Now().UTC()
	}
	rec.MatchedKeywords = slices.Clone(rec.MatchedKeywords)
	m.records[key] = rec
	m.order = append(m.order, key)
	return nil
}

func (m *Memory) LogOutcome(_ context.Context, o models.RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, o)
	return nil
}

// Outcomes returns a copy of the run log.
func (m *Memory) Outcomes() []models.RunOutcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.logs)
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// List returns matching records, most recently scraped first.
func (m *Memory) List(_ context.Context, f models.RecordFilter) ([]models.CandidateRecord, error) {
	m.mu.RLock()
	out := make([]models.CandidateRecord, 0, len(m.order))
	for _, key := range m.order {
		r := m.records[key]
		if matchesFilter(r, f) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ScrapedAt.After(out[j].ScrapedAt) })
	if limit := listLimit(f); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func matchesFilter(r models.CandidateRecord, f models.RecordFilter) bool {
	if f.Site != "" && r.Site != f.Site {
		return false
	}
	if f.Keyword != "" && !slices.Contains(r.MatchedKeywords, f.Keyword) {
		return false
	}
	if !f.From.IsZero() && (r.SubmittedAt.IsZero() || r.SubmittedAt.Before(f.From)) {
		return false
	}
	if !f.To.IsZero() && (r.SubmittedAt.IsZero() || r.SubmittedAt.After(f.To)) {
		return false
	}
	return true
}
