package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/buildline/internal/httpserver/dto"
)

// Promote schedules builds of the job for each environment in the env query
// parameter, carrying over the source build's parameters. Rejected requests
// are reported in the body with success=false, not as HTTP errors.
func (c *Context) Promote(w http.ResponseWriter, r *http.Request) {
	number, ok := buildNumber(w, r)
	if !ok {
		return
	}
	run, err := c.History.Find(r.Context(), chi.URLParam(r, "job"), number)
	if err != nil {
		c.respondAppError(w, r, err)
		return
	}

	result := c.Promotion.Promote(r.Context(), run, r.URL.Query().Get("env"))
	respondJSON(w, http.StatusOK, dto.FromResult(result))
}
