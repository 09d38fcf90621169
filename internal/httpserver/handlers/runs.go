package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/buildline/internal/application/history"
	"github.com/relicta-tech/buildline/internal/httpserver/dto"
)

// ListRuns returns the newest builds of a job with their lineage. The page
// ends at the build named by the since query parameter, if any.
func (c *Context) ListRuns(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	query := r.URL.Query()
	views, err := c.History.Runs(r.Context(), history.Query{
		Job:        job,
		Since:      query.Get("since"),
		FullStages: parseBool(query.Get("fullStages")),
	})
	if err != nil {
		c.respondAppError(w, r, err)
		return
	}

	runs := make([]dto.RunDTO, 0, len(views))
	for _, v := range views {
		runs = append(runs, dto.FromRunView(v))
	}
	respondJSON(w, http.StatusOK, dto.JobRunsDTO{Name: job, RunCount: len(runs), Runs: runs})
}

// GetRun returns one build with its lineage.
func (c *Context) GetRun(w http.ResponseWriter, r *http.Request) {
	number, ok := buildNumber(w, r)
	if !ok {
		return
	}
	view, err := c.History.Run(r.Context(), chi.URLParam(r, "job"), number)
	if err != nil {
		c.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, dto.FromRunView(view))
}

func buildNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "number")
	number, err := strconv.Atoi(raw)
	if err != nil || number < 1 {
		respondError(w, http.StatusBadRequest, "invalid build number", raw)
		return 0, false
	}
	return number, true
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
