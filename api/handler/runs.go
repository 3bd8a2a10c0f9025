package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/use-agent/planscout/config"
	"github.com/use-agent/planscout/keyword"
	"github.com/use-agent/planscout/models"
	"github.com/use-agent/planscout/webhook"
)

// Run job states.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusAborted    = "aborted"
)

// Runner executes one run under the given id; *coordinator.Coordinator
// implements it.
type Runner interface {
	RunWithID(ctx context.Context, id string, sites []models.Site, keywords []string, dr *models.DateRange) (*models.RunSummary, error)
}

// runJob tracks a run started through the API.
type runJob struct {
	id        string
	createdAt time.Time
	cancel    context.CancelFunc

	mu        sync.Mutex
	status    string
	total     int
	completed int
	blocked   int
	summary   *models.RunSummary
	finished  time.Time
}

func (j *runJob) snapshot() models.RunStatusResponse {
	j.mu.Lock()
	defer j.mu.Unlock()
	return models.RunStatusResponse{
		ID:        j.id,
		Status:    j.status,
		Total:     j.total,
		Completed: j.completed,
		Blocked:   j.blocked,
		Summary:   j.summary,
	}
}

// Runs owns API-started runs. At most one is active; finished jobs are
// kept for ttl.
type Runs struct {
	runner   Runner
	sites    *config.SiteFile
	notifier *webhook.Notifier
	ttl      time.Duration

	jobs     sync.Map // id (string) -> *runJob
	active   atomic.Pointer[runJob]
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRuns creates the run registry. notifier may be nil.
func NewRuns(runner Runner, sites *config.SiteFile, notifier *webhook.Notifier) *Runs {
	r := &Runs{
		runner:   runner,
		sites:    sites,
		notifier: notifier,
		ttl:      time.Hour,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go r.cleanupLoop()
	return r
}

// Active returns the id of the running job, or "".
func (r *Runs) Active() string {
	if j := r.active.Load(); j != nil {
		return j.id
	}
	return ""
}

// Observe counts a finished task against the active job. Wire it to the
// coordinator's OnOutcome hook.
func (r *Runs) Observe(o models.RunOutcome) {
	j := r.active.Load()
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed++
	if o.Status == models.StatusBlocked {
		j.blocked++
	}
}

// Post returns a handler for POST /api/v1/runs.
func (r *Runs) Post() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.RunRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			abortWith(c, http.StatusBadRequest, models.ErrCodeInvalidInput, "invalid request body: "+err.Error())
			return
		}

		keywords := req.Keywords
		if len(keywords) == 0 {
			keywords = r.sites.Keywords
		}
		if err := config.ValidateKeywords(keywords); err != nil {
			abortWith(c, http.StatusBadRequest, models.ErrCodeInvalidInput, "keyword list is empty")
			return
		}
		sites, err := r.sites.Select(req.Sites)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
		dr, err := parseDateRange(req.DateFrom, req.DateTo)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		job := &runJob{
			id:        uuid.NewString(),
			createdAt: r.now(),
			cancel:    cancel,
			status:    StatusProcessing,
			total:     len(sites) * keyword.NewSet(keywords).Len(),
		}
		if !r.active.CompareAndSwap(nil, job) {
			cancel()
			abortWith(c, http.StatusConflict, models.ErrCodeRunInProgress, "a run is already in progress")
			return
		}
		r.jobs.Store(job.id, job)

		r.wg.Add(1)
		go r.execute(ctx, job, sites, keywords, dr)

		c.JSON(http.StatusAccepted, models.RunAccepted{ID: job.id, Status: StatusProcessing, Total: job.total})
	}
}

// Get returns a handler for GET /api/v1/runs/:id.
func (r *Runs) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := r.lookup(c.Param("id"))
		if !ok {
			abortWith(c, http.StatusNotFound, models.ErrCodeNotFound, "run not found")
			return
		}
		c.JSON(http.StatusOK, job.snapshot())
	}
}

// Cancel returns a handler for DELETE /api/v1/runs/:id. Cancellation is
// cooperative: requests already sent finish, nothing new is scheduled.
func (r *Runs) Cancel() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, ok := r.lookup(c.Param("id"))
		if !ok {
			abortWith(c, http.StatusNotFound, models.ErrCodeNotFound, "run not found")
			return
		}
		job.cancel()
		c.JSON(http.StatusAccepted, job.snapshot())
	}
}

func (r *Runs) lookup(id string) (*runJob, bool) {
	val, ok := r.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return val.(*runJob), true
}

func (r *Runs) execute(ctx context.Context, job *runJob, sites []models.Site, keywords []string, dr *models.DateRange) {
	defer r.wg.Done()
	defer job.cancel()

	summary, err := r.runner.RunWithID(ctx, job.id, sites, keywords, dr)
	if summary == nil {
		summary = &models.RunSummary{RunID: job.id}
	}

	job.mu.Lock()
	switch {
	case err != nil:
		job.status = StatusAborted
	case summary.Cancelled:
		job.status = StatusCancelled
	default:
		job.status = StatusCompleted
	}
	job.summary = summary
	job.finished = r.now()
	status := job.status
	job.mu.Unlock()

	r.active.CompareAndSwap(job, nil)

	slog.Info("run job finished",
		"id", job.id,
		"status", status,
		"records_new", summary.Totals.RecordsNew,
		"sites_blocked", summary.Totals.SitesBlocked,
	)
	r.notifier.Notify(webhook.NewEvent(summary))
}

// Wait blocks until every started run has finished.
func (r *Runs) Wait() { r.wg.Wait() }

// Shutdown cancels the active run and waits for it.
func (r *Runs) Shutdown() {
	if j := r.active.Load(); j != nil {
		j.cancel()
	}
	r.wg.Wait()
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Runs) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evict(r.now())
		}
	}
}

// evict drops finished jobs older than ttl.
func (r *Runs) evict(now time.Time) {
	cutoff := now.Add(-r.ttl)
	r.jobs.Range(func(key, value any) bool {
		job := value.(*runJob)
		job.mu.Lock()
		expired := !job.finished.IsZero() && job.createdAt.Before(cutoff)
		job.mu.Unlock()
		if expired {
			r.jobs.Delete(key)
		}
		return true
	})
}
