package models

import (
	"sort"
	"time"
)

// Status is the terminal state of a (site, keyword) task, or the rolled-up
// state of a site.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusBlocked   Status = "blocked"
	StatusTransient Status = "transient_error"
	StatusExhausted Status = "exhausted"
	StatusAborted   Status = "aborted"
)

// RunOutcome is produced once per (site, keyword) task.
type RunOutcome struct {
	RunID   string `json:"run_id,omitempty"`
	Site    string `json:"site"`
	Keyword string `json:"keyword"`
	Status  Status `json:"status"`

	// RecordsFound counts keyword-matching records handed to the store.
	RecordsFound int `json:"records_found"`
	RecordsNew   int `json:"records_new"`
	RecordsKnown int `json:"records_known"`

	// Unmatched counts parsed records that matched no keyword.
	Unmatched   int `json:"unmatched"`
	ParseErrors int `json:"parse_errors"`
	Attempts    int `json:"attempts"`

	// MatchedKeywords is the union of keywords matched across the task's records.
	MatchedKeywords []string `json:"matched_keywords,omitempty"`

	LastError string        `json:"last_error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// SiteSummary groups a site's outcomes.
type SiteSummary struct {
	Site     string       `json:"site"`
	Status   Status       `json:"status"`
	Outcomes []RunOutcome `json:"outcomes"`

	// Skipped lists keywords never attempted because the site was blocked
	// or the run was cancelled first.
	Skipped []string `json:"skipped,omitempty"`
}

// Totals aggregates a run.
type Totals struct {
	SitesSucceeded int `json:"sites_succeeded"`
	SitesBlocked   int `json:"sites_blocked"`
	RecordsFound   int `json:"records_found"`
	RecordsNew     int `json:"records_new"`
	RecordsKnown   int `json:"records_known"`
}

// RunSummary is the only shape a run exposes to its callers.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Sites      []SiteSummary `json:"sites"`
	Totals     Totals        `json:"totals"`
	Cancelled  bool          `json:"cancelled"`
	Error      *ErrorDetail  `json:"error,omitempty"`
}

// Site returns the summary for name, or nil.
func (s *RunSummary) Site(name string) *SiteSummary {
	for i := range s.Sites {
		if s.Sites[i].Site == name {
			return &s.Sites[i]
		}
	}
	return nil
}

// Finalize derives each site's status and the run totals from the outcomes.
func (s *RunSummary) Finalize() {
	s.Totals = Totals{}
	for i := range s.Sites {
		site := &s.Sites[i]
		site.Status = rollup(site)
		switch site.Status {
		case StatusSuccess:
			s.Totals.SitesSucceeded++
		case StatusBlocked:
			s.Totals.SitesBlocked++
		}
		for _, o := range site.Outcomes {
			s.Totals.RecordsFound += o.RecordsFound
			s.Totals.RecordsNew += o.RecordsNew
			s.Totals.RecordsKnown += o.RecordsKnown
		}
	}
}

// rollup picks the most severe outcome status. A site with skipped keywords
// and nothing worse than success reports a transient error.
func rollup(site *SiteSummary) Status {
	rank := map[Status]int{
		StatusSuccess:   0,
		StatusTransient: 1,
		StatusExhausted: 2,
		StatusBlocked:   3,
		StatusAborted:   4,
	}
	worst := StatusSuccess
	for _, o := range site.Outcomes {
		if rank[o.Status] > rank[worst] {
			worst = o.Status
		}
	}
	if worst == StatusSuccess && (len(site.Skipped) > 0 || len(site.Outcomes) == 0) {
		return StatusTransient
	}
	return worst
}

// Sort orders sites by name and outcomes by keyword. Completion order is
// otherwise arbitrary.
func (s *RunSummary) Sort() {
	sort.Slice(s.Sites, func(i, j int) bool { return s.Sites[i].Site < s.Sites[j].Site })
	for i := range s.Sites {
		outcomes := s.Sites[i].Outcomes
		sort.SliceStable(outcomes, func(a, b int) bool { return outcomes[a].Keyword < outcomes[b].Keyword })
		sort.Strings(s.Sites[i].Skipped)
	}
}
