package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/auditforge/auditforge/internal/model"
)

type submitRequest struct {
	URL       string `json:"url"`
	Timeout   *int   `json:"timeout"`
	NoCache   bool   `json:"no_cache"`
	Options   string `json:"options"`
}

type submitResponse struct {
	JobID   string          `json:"job_id"`
	Status  model.JobStatus `json:"status"`
	Message string          `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.WrapError(model.KindValidationFailed, "invalid JSON body", err))
		return
	}

	timeout := s.defaultTimeout
	if req.Timeout != nil {
		timeout = time.Duration(*req.Timeout) * time.Second
	}

	job, err := s.dispatcher.Submit(r.Context(), req.URL, req.Options, clientIP(r), timeout, req.NoCache)
	if err != nil {
		writeError(w, err)
		return
	}

	message := "audit started"
	if job.Status == model.JobQueued {
		message = "audit queued"
	}
	writeJSON(w, http.StatusOK, submitResponse{JobID: job.ID, Status: job.Status, Message: message})
}

type progressView struct {
	CurrentStage    *model.Stage  `json:"current_stage"`
	CompletedStages []model.Stage `json:"completed_stages"`
	PendingStages   []model.Stage `json:"pending_stages"`
}

type auditView struct {
	JobID         string          `json:"job_id"`
	Status        model.JobStatus `json:"status"`
	URL           string          `json:"url"`
	Progress      progressView    `json:"progress"`
	Result        *model.Report   `json:"result,omitempty"`
	Error         *string         `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	QueuePosition *int            `json:"queue_position,omitempty"`
}

func newAuditView(job *model.Job) auditView {
	return auditView{
		JobID:  job.ID,
		Status: job.Status,
		URL:    job.URL,
		Progress: progressView{
			CurrentStage:    job.CurrentStage,
			CompletedStages: job.CompletedStages,
			PendingStages:   job.PendingStages(),
		},
		Result:        job.Report,
		Error:         job.Error,
		CreatedAt:     job.CreatedAt,
		QueuePosition: job.QueuePosition,
	}
}

// handleGetOrStream serves GET /v1/audit/{id}: a plain request returns the
// current job snapshot as JSON; a websocket upgrade request instead opens
// the progress stream section 6 describes as "WS /audit/{id}".
func (s *Server) handleGetOrStream(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}

	id := chi.URLParam(r, "id")
	job := s.registry.Get(id)
	if job == nil {
		writeError(w, model.NewError(model.KindNotFound, "job not found"))
		return
	}

	view := newAuditView(job)
	// A stored position goes stale as entries ahead are dequeued, so it is
	// recomputed on every poll rather than maintained incrementally.
	if job.Status == model.JobQueued && s.queue != nil {
		if pos, err := s.queue.Position(r.Context(), id); err == nil && pos != nil {
			view.QueuePosition = pos
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.dispatcher.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "cancelled": true})
}

type runningResponse struct {
	Items   []auditView `json:"items"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	PerPage int         `json:"per_page"`
	HasNext bool        `json:"has_next"`
}

func (s *Server) handleListRunning(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)

	items, total := s.registry.ListRunning(page, perPage)
	views := make([]auditView, len(items))
	for i, job := range items {
		views[i] = newAuditView(job)
	}

	writeJSON(w, http.StatusOK, runningResponse{
		Items:   views,
		Total:   total,
		Page:    page,
		PerPage: perPage,
		HasNext: page*perPage < total,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (s *Server) handleAuditsStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":         s.registry.Stats(),
		"browser_pool": s.pool.Stats(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		writeError(w, model.WrapError(model.KindInternal, "reading cache stats", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, model.WrapError(model.KindInternal, "cleaning up cache", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed_count": removed})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		writeError(w, model.WrapError(model.KindInternal, "clearing cache", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type healthComponent struct {
	Status      string  `json:"status"`
	Connected   bool    `json:"connected"`
	Path        string  `json:"path"`
	Integrity   string  `json:"integrity"`
	JournalMode string  `json:"journal_mode"`
	Error       *string `json:"error,omitempty"`
}

type cacheHealth struct {
	Status         string  `json:"status"`
	TotalEntries   int64   `json:"total_entries"`
	ValidEntries   int64   `json:"valid_entries"`
	HitRatePercent float64 `json:"hit_rate_percent"`
	ActiveURLLocks int     `json:"active_url_locks"`
}

type healthResponse struct {
	Status          string                    `json:"status"`
	Ready           bool                      `json:"ready"`
	Alive           bool                      `json:"alive"`
	Degraded        bool                      `json:"degraded"`
	Database        healthComponent           `json:"database"`
	Cache           cacheHealth               `json:"cache"`
	CircuitBreakers map[string]breakerHealth  `json:"circuit_breakers"`
}

type breakerHealth struct {
	State                     string  `json:"state"`
	ConsecutiveFailures       int     `json:"consecutive_failures"`
	TotalCalls                int64   `json:"total_calls"`
	TotalFailures             int64   `json:"total_failures"`
	TotalSuccesses            int64   `json:"total_successes"`
	TimeInCurrentStateSeconds float64 `json:"time_in_current_state_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbHealth := s.cache.HealthCheck(r.Context())
	cacheStats, statsErr := s.cache.Stats(r.Context())

	breakers := make(map[string]breakerHealth)
	for name, stats := range s.breakers.AllStats() {
		breakers[name] = breakerHealth{
			State:                     stats.State,
			ConsecutiveFailures:       stats.ConsecutiveFailures,
			TotalCalls:                stats.TotalCalls,
			TotalFailures:             stats.TotalFailures,
			TotalSuccesses:            stats.TotalSuccesses,
			TimeInCurrentStateSeconds: stats.TimeInCurrentState,
		}
	}

	degraded := s.breakers.AnyOpen()
	analyzerMissing := !s.analyzerAvailable()
	ready := dbHealth.Connected && !analyzerMissing
	status := "healthy"
	if !ready {
		status = "unhealthy"
	} else if degraded {
		status = "degraded"
	}

	dbComponent := healthComponent{
		Status:      "healthy",
		Connected:   dbHealth.Connected,
		Path:        dbHealth.Path,
		Integrity:   dbHealth.Integrity,
		JournalMode: dbHealth.JournalMode,
	}
	if dbHealth.Error != "" {
		dbComponent.Status = "unhealthy"
		dbComponent.Error = &dbHealth.Error
	}

	hitRate := 0.0
	if statsErr == nil {
		hitRate = cacheStats.HitRate * 100
	}

	resp := healthResponse{
		Status:   status,
		Ready:    ready,
		Alive:    true,
		Degraded: degraded,
		Database: dbComponent,
		Cache: cacheHealth{
			Status:         "healthy",
			TotalEntries:   cacheStats.Entries,
			ValidEntries:   cacheStats.ValidEntries,
			HitRatePercent: hitRate,
			ActiveURLLocks: s.locks.ActiveLocks(),
		},
		CircuitBreakers: breakers,
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
