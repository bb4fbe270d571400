package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

func (r *Router) handleServers(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		hosts, err := r.store.ListHosts(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, hosts)
	case http.MethodPost:
		r.createServer(w, req)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type createServerRequest struct {
	Name     string                   `json:"name"`
	Address  string                   `json:"address"`
	SSHPort  int                      `json:"ssh_port"`
	SSHUser  string                   `json:"ssh_user"`
	Password string                   `json:"password,omitempty"`
	Config   *models.MonitoringConfig `json:"config,omitempty"`
}

// createServer registers a host. When a password is supplied the monitoring
// key is deployed over it immediately; the password itself is never stored.
func (r *Router) createServer(w http.ResponseWriter, req *http.Request) {
	var body createServerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		badRequest(w, "api.create_server", "invalid JSON body")
		return
	}
	if body.Name == "" || body.Address == "" || body.SSHUser == "" {
		badRequest(w, "api.create_server", "name, address and ssh_user are required")
		return
	}
	if body.SSHPort == 0 {
		body.SSHPort = 22
	}

	host := &models.Host{
		Name:    body.Name,
		Address: body.Address,
		SSHPort: body.SSHPort,
		SSHUser: body.SSHUser,
	}
	cfg := body.Config
	if cfg == nil {
		cfg = &models.MonitoringConfig{Enabled: true}
	}
	if err := r.store.CreateHost(req.Context(), host, cfg); err != nil {
		writeError(w, err)
		return
	}

	if body.Password != "" {
		ctx := req.Context()
		if err := r.exec.Bootstrap(ctx, host, body.Password); err != nil {
			// The host record stays; key deployment can be retried.
			log.Warn().Err(err).Str("host", host.Name).Msg("Key bootstrap failed")
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"host":            host,
				"key_deployed":    false,
				"bootstrap_error": err.Error(),
			})
			return
		}
		now := time.Now().UTC()
		if err := r.store.MarkKeyDeployed(ctx, host.ID, now); err != nil {
			log.Warn().Err(err).Str("host", host.Name).Msg("Key deployment mark failed")
		}
		host.KeyDeployed = true
		host.KeyDeployedAt = &now
		// Freshly provisioned hosts sometimes restart sshd right after
		// enrollment; wait for the port before installing dependencies.
		if err := r.exec.WaitReachable(ctx, host, 30*time.Second); err != nil {
			log.Warn().Err(err).Str("host", host.Name).Msg("Host SSH port not reachable after key deploy")
		}
		if err := r.exec.EnsureProbeDependencies(ctx, host); err != nil {
			log.Warn().Err(err).Str("host", host.Name).Msg("Probe dependency install failed")
		}
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"host":         host,
		"key_deployed": host.KeyDeployed,
	})
}

// handleServer dispatches /api/server/{id}[/...] requests.
func (r *Router) handleServer(w http.ResponseWriter, req *http.Request) {
	host, tail, err := r.hostFromPath(req, "/api/server/")
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case tail == "" && req.Method == http.MethodGet:
		r.serverDetail(w, req, host)
	case tail == "" && req.Method == http.MethodDelete:
		if err := r.store.DeleteHost(req.Context(), host.ID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case tail == "metrics" && req.Method == http.MethodGet:
		r.handleServerMetrics(w, req, host)
	case tail == "metric-history" && req.Method == http.MethodGet:
		r.handleMetricHistory(w, req, host)
	case tail == "disk-io" && req.Method == http.MethodGet:
		r.handleDiskIO(w, req, host)
	case tail == "network-io" && req.Method == http.MethodGet:
		r.handleNetworkIO(w, req, host)
	case tail == "anomaly-status" && req.Method == http.MethodGet:
		r.handleAnomalyStatus(w, req, host)
	case tail == "alert-history" && req.Method == http.MethodGet:
		r.handleAlertHistory(w, req, host)
	case tail == "services" && req.Method == http.MethodGet:
		r.handleServicesList(w, req, host)
	case tail == "services" && req.Method == http.MethodPost:
		r.handleServiceMonitoring(w, req, host)

	case tail == "thresholds" && req.Method == http.MethodPost:
		r.handleThresholds(w, req, host)
	case tail == "monitored-disks" && req.Method == http.MethodPost:
		r.handleMonitoredDisks(w, req, host)
	case tail == "monitoring/suspend" && req.Method == http.MethodPost:
		r.handleSuspend(w, req, host, true)
	case tail == "monitoring/resume" && req.Method == http.MethodPost:
		r.handleSuspend(w, req, host, false)
	case tail == "alerts/suppress" && req.Method == http.MethodPost:
		r.handleAlertSuppression(w, req, host, true)
	case tail == "alerts/resume" && req.Method == http.MethodPost:
		r.handleAlertSuppression(w, req, host, false)

	default:
		http.NotFound(w, req)
	}
}

func (r *Router) serverDetail(w http.ResponseWriter, req *http.Request, host *models.Host) {
	ctx := req.Context()
	cfg, err := r.store.GetConfig(ctx, host.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := r.heartbeat.Status(ctx, host)
	if err != nil {
		log.Warn().Err(err).Str("host", host.Name).Msg("Status lookup failed")
		status = models.StatusOffline
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host":   host,
		"config": cfg,
		"status": status,
		"sample": r.latestSample(ctx, host.ID),
	})
}

func (r *Router) handleAlertHistory(w http.ResponseWriter, req *http.Request, host *models.Host) {
	records, err := r.store.AlertHistory(req.Context(), host.ID, 200)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleServicesList(w http.ResponseWriter, req *http.Request, host *models.Host) {
	svcs, err := r.store.ListServices(req.Context(), host.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (r *Router) handleServiceMonitoring(w http.ResponseWriter, req *http.Request, host *models.Host) {
	var body struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Name == "" {
		badRequest(w, "api.service_monitoring", "name is required")
		return
	}
	if err := r.store.SetServiceMonitoring(req.Context(), host.ID, body.Name, body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": body.Name, "enabled": body.Enabled})
}

type thresholdsRequest struct {
	CPUThreshold       *float64 `json:"cpu_threshold,omitempty"`
	MemoryThreshold    *float64 `json:"memory_threshold,omitempty"`
	DiskThreshold      *float64 `json:"disk_threshold,omitempty"`
	DiskIOThresholdMBs *float64 `json:"disk_io_threshold_mbs,omitempty"`
	NetIOThresholdMBs  *float64 `json:"net_io_threshold_mbs,omitempty"`
}

// handleThresholds partially updates the operator thresholds; omitted fields
// keep their current values.
func (r *Router) handleThresholds(w http.ResponseWriter, req *http.Request, host *models.Host) {
	var body thresholdsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		badRequest(w, "api.thresholds", "invalid JSON body")
		return
	}

	r.updateConfig(w, req, host, func(cfg *models.MonitoringConfig) {
		if body.CPUThreshold != nil {
			cfg.CPUThreshold = *body.CPUThreshold
		}
		if body.MemoryThreshold != nil {
			cfg.MemoryThreshold = *body.MemoryThreshold
		}
		if body.DiskThreshold != nil {
			cfg.DiskThreshold = *body.DiskThreshold
		}
		if body.DiskIOThresholdMBs != nil {
			cfg.DiskIOThresholdMBs = *body.DiskIOThresholdMBs
		}
		if body.NetIOThresholdMBs != nil {
			cfg.NetIOThresholdMBs = *body.NetIOThresholdMBs
		}
	})
}

func (r *Router) handleMonitoredDisks(w http.ResponseWriter, req *http.Request, host *models.Host) {
	var body struct {
		MonitoredDisks []string `json:"monitored_disks"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		badRequest(w, "api.monitored_disks", "invalid JSON body")
		return
	}
	r.updateConfig(w, req, host, func(cfg *models.MonitoringConfig) {
		cfg.MonitoredDisks = body.MonitoredDisks
	})
}

func (r *Router) handleSuspend(w http.ResponseWriter, req *http.Request, host *models.Host, suspend bool) {
	now := time.Now().UTC()
	r.updateConfig(w, req, host, func(cfg *models.MonitoringConfig) {
		cfg.Suspended = suspend
	})
	// The quiet-window epoch suppresses connection flap alerts around the
	// transition.
	if suspend {
		r.cache.MarkSuspendEpoch(req.Context(), host.ID, now)
	} else {
		r.cache.MarkResumeEpoch(req.Context(), host.ID, now)
	}
}

func (r *Router) handleAlertSuppression(w http.ResponseWriter, req *http.Request, host *models.Host, suppress bool) {
	r.updateConfig(w, req, host, func(cfg *models.MonitoringConfig) {
		cfg.AlertsSuppressed = suppress
	})
}

// updateConfig is the read-modify-write used by every config mutation. The
// saved config is normalized and echoed back.
func (r *Router) updateConfig(w http.ResponseWriter, req *http.Request, host *models.Host, mutate func(*models.MonitoringConfig)) {
	ctx := req.Context()
	cfg, err := r.store.GetConfig(ctx, host.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	mutate(cfg)
	if err := r.store.SaveConfig(ctx, cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleHeartbeatPush ingests the agent heartbeat POST.
func (r *Router) handleHeartbeatPush(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, tail, ok := pathID(req.URL.Path, "/api/heartbeat/")
	if !ok || tail != "" {
		writeError(w, verrors.New(verrors.KindBadRequest, "api.heartbeat", "", nil))
		return
	}
	if _, err := r.store.GetHost(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		AgentVersion string `json:"agent_version"`
	}
	// The body is optional; decode errors on an empty body are fine.
	_ = json.NewDecoder(req.Body).Decode(&body)

	if err := r.heartbeat.RecordPush(req.Context(), id, body.AgentVersion); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
