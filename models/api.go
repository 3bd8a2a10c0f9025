package models

// RunRequest is the payload for POST /api/v1/runs. Empty fields fall back
// to the site file.
type RunRequest struct {
	Keywords []string `json:"keywords,omitempty"`
	Sites    []string `json:"sites,omitempty"`

	// DateFrom and DateTo (YYYY-MM-DD) restrict results by received date.
	DateFrom string `json:"date_from,omitempty" binding:"omitempty,datetime=2006-01-02"`
	DateTo   string `json:"date_to,omitempty" binding:"omitempty,datetime=2006-01-02"`
}

// RunAccepted is the immediate response for POST /api/v1/runs.
type RunAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// RunStatusResponse is the response for GET /api/v1/runs/:id.
type RunStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "processing", "completed", "cancelled", "aborted"

	// Total is the number of (site, keyword) tasks; Completed counts
	// finished ones.
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Blocked   int `json:"blocked"`

	Summary *RunSummary `json:"summary,omitempty"`
}

// ApplicationsResponse is the response for GET /api/v1/applications.
type ApplicationsResponse struct {
	Count        int               `json:"count"`
	Applications []CandidateRecord `json:"applications"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"` // "healthy" or "busy"
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	ActiveRun string `json:"active_run,omitempty"`
}

// ErrorResponse wraps an error for API clients.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}
