package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/waveletd/internal/storage/diskmanager"
)

// Status is the overall health of the server
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check result states
const (
	CheckHealthy  = "healthy"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// DiskReporter reports the usage of the disk holding the data directory
type DiskReporter interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// HealthChecker performs health checks for the wavelet server
type HealthChecker struct {
	nodeID      string
	dataDir     string
	disk        DiskReporter
	resident    func() (count int, limit uint64)
	interval    time.Duration
	logger      *zap.Logger
	mu          sync.RWMutex
	lastCheck   time.Time
	status      Status
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks. DataDir and Disk
// are empty for the in-memory backend.
type HealthCheckConfig struct {
	NodeID   string
	DataDir  string
	Disk     DiskReporter
	Resident func() (count int, limit uint64)
	Interval time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		dataDir:     cfg.DataDir,
		disk:        cfg.Disk,
		resident:    cfg.Resident,
		interval:    interval,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      StatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks once
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{h.checkFileDescriptors}
	if h.disk != nil {
		checks = append(checks, h.checkDiskSpace)
	}
	if h.dataDir != "" {
		checks = append(checks, h.checkDataDirAccessible)
	}
	if h.resident != nil {
		checks = append(checks, h.checkResidency)
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy, allReady := true, true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != CheckHealthy {
			allHealthy = false
			if result.Status == CheckCritical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = StatusHealthy
	case allReady:
		h.status = StatusDegraded
	default:
		h.status = StatusUnhealthy
	}
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// checkDiskSpace maps the disk manager's write policy onto check states
func (h *HealthChecker) checkDiskSpace() CheckResult {
	usage := h.disk.GetDiskUsage()
	msg := fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
		usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024)

	switch {
	case usage.IsCircuitBroken:
		return result("disk_space", CheckCritical, "Writes rejected. "+msg)
	case usage.IsThrottled:
		return result("disk_space", CheckWarning, "Writes throttled. "+msg)
	default:
		return result("disk_space", CheckHealthy, msg)
	}
}

// checkDataDirAccessible checks that the data directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", CheckCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", CheckCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", CheckCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", CheckHealthy, "Data directory is accessible and writable")
}

// checkResidency warns when the resident wavelet cache is full, which means
// every cold load evicts another wavelet
func (h *HealthChecker) checkResidency() CheckResult {
	count, limit := h.resident()
	msg := fmt.Sprintf("Resident wavelets: %d/%d", count, limit)
	if limit > 0 && uint64(count) >= limit {
		return result("resident_wavelets", CheckWarning, msg)
	}
	return result("resident_wavelets", CheckHealthy, msg)
}

// checkFileDescriptors checks if file descriptor usage is acceptable
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return result("file_descriptors", CheckWarning, fmt.Sprintf("Failed to get rlimit: %v", err))
	}

	// Only Linux exposes /proc/self/fd
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return result("file_descriptors", CheckHealthy,
			fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max))
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	msg := fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur)
	if usagePercent > 90 {
		return result("file_descriptors", CheckWarning, msg)
	}
	return result("file_descriptors", CheckHealthy, msg)
}

// IsLive returns whether the server is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the server is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Status returns the overall status
func (h *HealthChecker) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns a copy of all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live, status := h.livenessOK, h.status
	h.mu.RUnlock()

	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"node_id": h.nodeID,
		"status":  status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready, status := h.readinessOK, h.status
	h.mu.RUnlock()

	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status,
		"checks": h.GetChecks(),
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
