package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/domain/pipeline"
	"github.com/Strob0t/ContentForge/internal/domain/trend"
	"github.com/Strob0t/ContentForge/internal/middleware"
	"github.com/Strob0t/ContentForge/internal/service"
)

// trendTemplate is the template started by POST /trends/analyze.
const trendTemplate = "trend-analysis"

// ReadyCheck probes one dependency for /health/ready.
type ReadyCheck func(ctx context.Context) error

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Jobs      *service.JobService
	Composer  *service.Composer
	Gateway   *service.Gateway
	Ready     map[string]ReadyCheck
	BodyLimit int64
	Version   string
}

// --- Jobs ---

type enqueueJobRequest struct {
	Kind        job.Kind        `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type enqueueJobResponse struct {
	Job     *job.Job `json:"job"`
	Existed bool     `json:"existed"`
}

// EnqueueJob handles POST /api/v1/jobs
func (h *Handlers) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[enqueueJobRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	if !requireField(w, string(req.Kind), "kind") {
		return
	}

	j, existed, err := h.Jobs.Enqueue(r.Context(), service.EnqueueRequest{
		Kind:        req.Kind,
		Payload:     req.Payload,
		DedupKey:    req.DedupKey,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Owner:       middleware.UserID(r.Context()),
	})
	if err != nil {
		writeDomainError(w, err, "job not found")
		return
	}
	writeJSON(w, acceptedStatus(existed), enqueueJobResponse{Job: j, Existed: existed})
}

// ListJobs handles GET /api/v1/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.ListFilter{
		OwnerUserID: listOwner(r.Context()),
		Status:      job.Status(q.Get("status")),
		Kind:        job.Kind(q.Get("kind")),
		Limit:       queryLimit(r, 50, 500),
	}
	handleList(func(ctx context.Context) ([]job.Job, error) {
		return h.Jobs.List(ctx, f)
	})(w, r)
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	handleOwnedGet(h.Jobs.PollStatus, jobOwner, "job not found")(w, r)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	handleOwnedAction(h.Jobs.PollStatus, jobOwner, h.Jobs.Cancel, "job not found")(w, r)
}

func jobOwner(j *job.Job) string { return j.OwnerUserID }

// --- Pipelines ---

// ListTemplates handles GET /api/v1/pipelines/templates
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	handleList(func(context.Context) ([]pipeline.Template, error) {
		return h.Composer.Templates(), nil
	})(w, r)
}

// GetTemplate handles GET /api/v1/pipelines/templates/{id}
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.Composer.Template(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "template not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type submitRunRequest struct {
	TemplateID string          `json:"template_id"`
	Input      json.RawMessage `json:"input"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	Priority   string          `json:"priority,omitempty"`
}

type submitRunResponse struct {
	Run     *pipeline.Run `json:"run"`
	Job     *job.Job      `json:"job"`
	Existed bool          `json:"existed"`
}

// SubmitRun handles POST /api/v1/pipelines/runs
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitRunRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	if !requireField(w, req.TemplateID, "template_id") {
		return
	}
	h.submit(w, r, req)
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, req submitRunRequest) {
	if len(req.Input) == 0 {
		req.Input = json.RawMessage(`{}`)
	}
	run, j, existed, err := h.Jobs.SubmitPipeline(r.Context(), middleware.UserID(r.Context()),
		req.TemplateID, req.Input, req.DedupKey, req.Priority)
	if err != nil {
		writeDomainError(w, err, "template not found")
		return
	}
	writeJSON(w, acceptedStatus(existed), submitRunResponse{Run: run, Job: j, Existed: existed})
}

// ListRuns handles GET /api/v1/pipelines/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	owner := listOwner(r.Context())
	limit := queryLimit(r, 50, 500)
	handleList(func(ctx context.Context) ([]pipeline.Run, error) {
		return h.Composer.ListRuns(ctx, owner, limit)
	})(w, r)
}

// GetRun handles GET /api/v1/pipelines/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	handleOwnedGet(h.Composer.GetRun, runOwner, "run not found")(w, r)
}

// CancelRun handles POST /api/v1/pipelines/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	handleOwnedAction(h.Composer.GetRun, runOwner, h.Composer.Cancel, "run not found")(w, r)
}

func runOwner(run *pipeline.Run) string { return run.OwnerUserID }

// --- Trends ---

type analyzeTrendsRequest struct {
	trend.Request
	DedupKey string `json:"dedup_key,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// AnalyzeTrends handles POST /api/v1/trends/analyze. It validates the
// request up front and starts the trend-analysis pipeline.
func (h *Handlers) AnalyzeTrends(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[analyzeTrendsRequest](w, r, h.BodyLimit)
	if !ok {
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeDomainError(w, err, "")
		return
	}
	input, err := json.Marshal(req.Request)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	h.submit(w, r, submitRunRequest{
		TemplateID: trendTemplate,
		Input:      input,
		DedupKey:   req.DedupKey,
		Priority:   req.Priority,
	})
}

// ListPlatforms handles GET /api/v1/platforms
func (h *Handlers) ListPlatforms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, trend.Platforms)
}

// --- Providers ---

// ProviderUsage handles GET /api/v1/providers/usage
func (h *Handlers) ProviderUsage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Gateway.Usage())
}

// ProviderHealth handles GET /api/v1/providers/health
func (h *Handlers) ProviderHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Gateway.Health())
}

// --- Health ---

type healthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health. It reports liveness only.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{Status: "ok", Version: h.Version})
}

// HealthReady handles GET /health/ready and probes every registered
// dependency.
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st := healthStatus{Status: "ok", Version: h.Version, Checks: make(map[string]string, len(h.Ready))}
	code := http.StatusOK
	for name, check := range h.Ready {
		if err := check(ctx); err != nil {
			st.Checks[name] = err.Error()
			st.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		st.Checks[name] = "ok"
	}
	writeJSON(w, code, st)
}

func acceptedStatus(existed bool) int {
	if existed {
		return http.StatusOK
	}
	return http.StatusAccepted
}
