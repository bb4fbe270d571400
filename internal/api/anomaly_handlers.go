package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// handleAnomalyStatus serves the per-host summary. Store failures degrade to
// a synthetic OK so dashboards keep rendering.
func (r *Router) handleAnomalyStatus(w http.ResponseWriter, req *http.Request, host *models.Host) {
	summary, err := r.status.Summary(req.Context(), host.ID)
	if err != nil {
		log.Warn().Err(err).Str("host", host.Name).Msg("Anomaly summary degraded")
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleAnomalyResolve handles POST /api/anomaly/{id}/resolve. Resolving an
// already-resolved anomaly is a no-op success.
func (r *Router) handleAnomalyResolve(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := req.URL.Path[len("/api/anomaly/"):]
	const suffix = "/resolve"
	if len(rest) <= len(suffix) || rest[len(rest)-len(suffix):] != suffix {
		http.NotFound(w, req)
		return
	}
	id := rest[:len(rest)-len(suffix)]
	if id == "" {
		writeError(w, verrors.New(verrors.KindBadRequest, "api.resolve", "", nil))
		return
	}

	if err := r.store.ResolveAnomaly(req.Context(), id, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

// handleBulkResolve resolves a batch atomically and reports the count of rows
// that actually flipped.
func (r *Router) handleBulkResolve(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || len(body.IDs) == 0 {
		badRequest(w, "api.bulk_resolve", "ids is required")
		return
	}

	resolved, err := r.store.BulkResolve(req.Context(), body.IDs, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": resolved})
}
