// Package api serves the JSON read API and the operator control endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/cache"
	"github.com/vigilops/vigil/internal/collector"
	"github.com/vigilops/vigil/internal/heartbeat"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/services"
	"github.com/vigilops/vigil/internal/sshexec"
	"github.com/vigilops/vigil/internal/statussvc"
	"github.com/vigilops/vigil/internal/store"
	"github.com/vigilops/vigil/internal/verrors"
	"github.com/vigilops/vigil/internal/websocket"
)

// Router wires the HTTP surface over the monitoring core.
type Router struct {
	mux       *http.ServeMux
	store     *store.Store
	cache     *cache.Cache
	status    *statussvc.Service
	heartbeat *heartbeat.Manager
	collector *collector.Collector
	checker   *services.Checker
	exec      *sshexec.Executor
	hub       *websocket.Hub

	startTime time.Time
}

// NewRouter builds the router and registers all routes.
func NewRouter(st *store.Store, ca *cache.Cache, status *statussvc.Service, hb *heartbeat.Manager,
	col *collector.Collector, checker *services.Checker, exec *sshexec.Executor, hub *websocket.Hub) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		store:     st,
		cache:     ca,
		status:    status,
		heartbeat: hb,
		collector: col,
		checker:   checker,
		exec:      exec,
		hub:       hub,
		startTime: time.Now(),
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/live-metrics", r.handleLiveMetrics)
	r.mux.HandleFunc("/api/servers", r.handleServers)
	r.mux.HandleFunc("/api/server/", r.handleServer)
	r.mux.HandleFunc("/api/heartbeat/", r.handleHeartbeatPush)
	r.mux.HandleFunc("/api/anomaly/", r.handleAnomalyResolve)
	r.mux.HandleFunc("/api/anomalies/bulk-resolve", r.handleBulkResolve)
	if r.hub != nil {
		r.mux.HandleFunc("/ws", r.hub.HandleUpgrade)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if strings.HasPrefix(req.URL.Path, "/api/") {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.startTime).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := verrors.HTTPStatus(err)
	if status >= 500 {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(verrors.KindOf(err)),
	})
}

func badRequest(w http.ResponseWriter, op, msg string) {
	writeError(w, verrors.New(verrors.KindBadRequest, op, "", errors.New(msg)))
}

// pathID parses the numeric id segment following prefix, returning the id and
// the remainder of the path ("" when the id is the last segment).
func pathID(path, prefix string) (int64, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return 0, "", false
	}
	idPart := rest
	tail := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		idPart = rest[:i]
		tail = rest[i+1:]
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", false
	}
	return id, tail, true
}

// hostFromPath resolves the host for a /api/server/{id}/... request.
func (r *Router) hostFromPath(req *http.Request, prefix string) (*models.Host, string, error) {
	id, tail, ok := pathID(req.URL.Path, prefix)
	if !ok {
		return nil, "", verrors.New(verrors.KindBadRequest, "api.path", "", nil)
	}
	host, err := r.store.GetHost(req.Context(), id)
	if err != nil {
		return nil, "", err
	}
	return host, tail, nil
}
