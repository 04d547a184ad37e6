package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"

	"github.com/go-chi/chi/v5"

	"github.com/rollgate/rollgate/internal/config"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/utils/fsutil"
)

// Disk thresholds match the health endpoint so dashboards and the health
// rollup agree on when a volume is in trouble.
const (
	diskWarnPercent = 80.0
	diskCritPercent = 90.0
)

// OperationsHandler serves the introspection endpoints: effective config,
// storage and path health, runtime stats, disk headroom. Responses carry
// status and percentages, never filesystem paths.
type OperationsHandler struct {
	config       *config.ServerConfig
	attemptStore interfaces.AttemptStore
	workerPool   interfaces.WorkerPool
	queue        interfaces.RolloutQueue
}

// NewOperationsHandler creates a new operations handler
func NewOperationsHandler(
	cfg *config.ServerConfig,
	attemptStore interfaces.AttemptStore,
	workerPool interfaces.WorkerPool,
	queue interfaces.RolloutQueue,
) *OperationsHandler {
	return &OperationsHandler{
		config:       cfg,
		attemptStore: attemptStore,
		workerPool:   workerPool,
		queue:        queue,
	}
}

// RegisterRoutes registers all operational routes
func (h *OperationsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/system/config", h.GetConfig)
	r.Get("/system/paths", h.GetPaths)
	r.Get("/system/storage", h.GetStorageInfo)
	r.Get("/system/runtime", h.GetRuntimeInfo)
	r.Get("/system/disk-usage", h.GetDiskUsage)
}

// GetConfig returns the current server configuration
// @Summary Get server configuration
// @Description Effective server configuration with secrets redacted
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Server configuration"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /system/config [get]
func (h *OperationsHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.config.GetSanitized())
}

// GetPaths reports whether the configured storage locations are usable
// @Summary Get system paths
// @Description Health of the data and log locations, without the paths themselves
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Path information"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /system/paths [get]
func (h *OperationsHandler) GetPaths(w http.ResponseWriter, _ *http.Request) {
	dataDir := h.config.DataDir

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data_storage": map[string]interface{}{
			"configured": dataDir != "",
			"healthy":    fsutil.DirExists(dataDir) && fsutil.IsWritable(dataDir),
		},
		"logging": map[string]interface{}{
			"configured": h.config.GetLogPath() != "",
			"type":       "file",
		},
	})
}

// GetStorageInfo returns information about the attempt store backend
// @Summary Get storage information
// @Description Attempt store backend type, reachability, and record count
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Storage information"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /system/storage [get]
func (h *OperationsHandler) GetStorageInfo(w http.ResponseWriter, r *http.Request) {
	store := map[string]interface{}{
		"type": h.config.Store.Type,
	}

	if h.attemptStore != nil {
		pingErr := h.attemptStore.Ping(r.Context())
		store["exists"] = pingErr == nil

		// Stores that track their own footprint report it; a failed ping
		// overrides whatever the store believes about itself.
		if provider, ok := h.attemptStore.(interface {
			GetStorageInfo() *interfaces.StorageInfo
		}); ok {
			if si := provider.GetStorageInfo(); si != nil {
				store["type"] = si.Type
				store["exists"] = si.Exists && pingErr == nil
				store["writable"] = si.Writable
				store["attempt_count"] = si.AttemptCount
			}
		}
	}

	diskSpace := map[string]interface{}{}
	if usage, err := fsutil.GetDiskUsage(h.config.DataDir); err == nil {
		diskSpace["data_storage"] = map[string]interface{}{
			"used_percent": usage.UsedPercent,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempt_store": store,
		"disk_space":    diskSpace,
	})
}

// GetRuntimeInfo returns runtime information about the server
// @Summary Get runtime information
// @Description Go runtime statistics plus worker pool and queue counters
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Runtime information"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /system/runtime [get]
func (h *OperationsHandler) GetRuntimeInfo(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := map[string]interface{}{
		"go_version":     runtime.Version(),
		"num_goroutines": runtime.NumGoroutine(),
		"num_cpu":        runtime.NumCPU(),
		"memory": map[string]interface{}{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
		"config": map[string]interface{}{
			"port":        h.config.Port,
			"debug":       h.config.Debug,
			"daemon_mode": h.config.DaemonMode,
		},
	}

	// The embedded pool and queue expose counters beyond the core
	// interfaces; report them when the running implementations carry them.
	if pool, ok := h.workerPool.(interface {
		GetWorkerCount() int
		GetQueuedCount() int
	}); ok {
		info["worker_pool"] = map[string]interface{}{
			"workers":      pool.GetWorkerCount(),
			"queued_count": pool.GetQueuedCount(),
		}
	}
	if q, ok := h.queue.(interface{ Size() int }); ok {
		info["queue"] = map[string]interface{}{
			"size": q.Size(),
		}
	}

	writeJSON(w, http.StatusOK, info)
}

// GetDiskUsage returns current disk usage without exposing paths
// @Summary Get disk usage
// @Description Fill percentage and alert level per storage area
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Disk usage information"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /system/disk-usage [get]
func (h *OperationsHandler) GetDiskUsage(w http.ResponseWriter, _ *http.Request) {
	storageAreas := map[string]string{
		"data": h.config.DataDir,
	}
	if logPath := h.config.GetLogPath(); logPath != "" {
		storageAreas["logs"] = filepath.Dir(logPath)
	}

	storage := map[string]interface{}{}
	alerts := []map[string]interface{}{}
	for name, path := range storageAreas {
		if path == "" {
			continue
		}
		usage, err := fsutil.GetDiskUsage(path)
		if err != nil {
			continue
		}

		status := diskStatus(usage.UsedPercent)
		storage[name] = map[string]interface{}{
			"used_percent": usage.UsedPercent,
			"status":       status,
		}
		if status != "healthy" {
			alerts = append(alerts, map[string]interface{}{
				"storage": name,
				"level":   status,
				"percent": usage.UsedPercent,
				"message": fmt.Sprintf("%s storage is %.1f%% full", name, usage.UsedPercent),
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"storage":     storage,
		"thresholds":  map[string]float64{"warning": diskWarnPercent, "critical": diskCritPercent},
		"alerts":      alerts,
		"alert_count": len(alerts),
	})
}

// diskStatus classifies a fill percentage against the alert thresholds
func diskStatus(percentUsed float64) string {
	switch {
	case percentUsed >= diskCritPercent:
		return "critical"
	case percentUsed >= diskWarnPercent:
		return "warning"
	default:
		return "healthy"
	}
}
