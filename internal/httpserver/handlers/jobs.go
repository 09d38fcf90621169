package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/buildline/internal/httpserver/dto"
)

// ListJobs returns every job.
func (c *Context) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := c.History.Jobs(r.Context())
	if err != nil {
		c.respondAppError(w, r, err)
		return
	}
	out := make([]dto.JobDTO, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, dto.FromJob(job))
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// ListEnvironments returns the environments a job's builds can target, in
// declared order.
func (c *Context) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	envs, err := c.History.Environments(r.Context(), job)
	if err != nil {
		c.respondAppError(w, r, err)
		return
	}
	if envs == nil {
		envs = []string{}
	}
	respondJSON(w, http.StatusOK, dto.EnvironmentsDTO{Job: job, Environments: envs})
}
