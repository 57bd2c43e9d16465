package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/shirou/gopsutil/v3/process"

	"sockbridge/internal/bridge"
	"sockbridge/internal/pool"
	"sockbridge/internal/supervisor"
	"sockbridge/pkg/logger"
)

// AdminHandler exposes the liveness, status, and metrics endpoints
type AdminHandler struct {
	supervisor *supervisor.Supervisor
	pool       *pool.Pool
	bridge     *bridge.Bridge
	logger     *logger.Logger
	startTime  time.Time
}

// workerStatus is one worker's row in the status report, enriched with
// OS-level process stats when the process is alive
type workerStatus struct {
	supervisor.WorkerInfo
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// statusReport is the full /status payload
type statusReport struct {
	Status  string         `json:"status"`
	Uptime  string         `json:"uptime"`
	Workers []workerStatus `json:"workers"`
	Pool    pool.Stats     `json:"pool"`
	Bridge  bridge.Stats   `json:"bridge"`
}

// NewAdminHandler creates the admin endpoint handler
func NewAdminHandler(sup *supervisor.Supervisor, p *pool.Pool, b *bridge.Bridge, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		supervisor: sup,
		pool:       p,
		bridge:     b,
		logger:     log.WithField("component", "admin"),
		startTime:  time.Now(),
	}
}

// Healthz reports liveness: healthy while at least one worker is ready
func (h *AdminHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ready := 0
	for _, info := range h.supervisor.Workers() {
		if info.State == supervisor.StateReady {
			ready++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	health := "healthy"
	if ready == 0 {
		status = http.StatusServiceUnavailable
		health = "unhealthy"
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        health,
		"ready_workers": ready,
	})
}

// Status reports supervisor, pool, and bridge state in one document
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	infos := h.supervisor.Workers()
	workers := make([]workerStatus, 0, len(infos))
	overall := "degraded"

	for _, info := range infos {
		ws := workerStatus{WorkerInfo: info}
		if info.State == supervisor.StateReady {
			overall = "ok"
			if proc, err := process.NewProcess(int32(info.PID)); err == nil {
				if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
					ws.RSSBytes = mem.RSS
				}
				if cpu, err := proc.CPUPercent(); err == nil {
					ws.CPUPercent = cpu
				}
			}
		}
		workers = append(workers, ws)
	}

	report := statusReport{
		Status:  overall,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		Workers: workers,
		Pool:    h.pool.Stats(),
		Bridge:  h.bridge.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.WithError(err).Error("Failed to encode status report")
	}
}

// Restart asks the supervisor to recycle every worker. Recycles are
// cooperative: each worker restarts without charging its restart budget, and
// the pool drops its connections as the workers leave Ready.
func (h *AdminHandler) Restart(w http.ResponseWriter, r *http.Request) {
	infos := h.supervisor.Workers()
	for _, info := range infos {
		h.supervisor.Recycle(info.ID)
	}
	h.logger.WithField("workers", len(infos)).Info("Restart requested for all workers")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "restarting",
		"workers": len(infos),
	})
}

// Metrics writes all registered metrics in Prometheus text format
func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
}
