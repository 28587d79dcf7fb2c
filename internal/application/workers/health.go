package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultHealthInterval = 30 * time.Second

// HealthStatus is a point-in-time count of worker states.
type HealthStatus struct {
	TotalWorkers   int       `json:"total_workers"`
	IdleWorkers    int       `json:"idle_workers"`
	BusyWorkers    int       `json:"busy_workers"`
	StoppedWorkers int       `json:"stopped_workers"`
	Healthy        bool      `json:"healthy"`
	Timestamp      time.Time `json:"timestamp"`
}

// Saturated reports whether every worker is executing a run.
func (s *HealthStatus) Saturated() bool {
	return s.TotalWorkers > 0 && s.BusyWorkers == s.TotalWorkers
}

// HealthMonitor periodically samples the pool, pushes the counts to the
// metrics collector and logs health transitions.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	mu          sync.Mutex
	lastHealthy *bool
}

// NewHealthMonitor creates a monitor for pool. A non-positive interval
// falls back to 30s.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop. Calling it again is a no-op.
func (h *HealthMonitor) Start() {
	h.startOnce.Do(func() { go h.loop() })
}

// Stop ends the sampling loop.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *HealthMonitor) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

func (h *HealthMonitor) checkHealth() {
	status := h.report()

	h.mu.Lock()
	changed := h.lastHealthy == nil || *h.lastHealthy != status.Healthy
	healthy := status.Healthy
	h.lastHealthy = &healthy
	h.mu.Unlock()

	fields := []zap.Field{
		zap.Int("total", status.TotalWorkers),
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stopped", status.StoppedWorkers),
	}
	switch {
	case changed && !status.Healthy:
		h.logger.Warn("worker pool became unhealthy", fields...)
	case changed:
		h.logger.Info("worker pool healthy", fields...)
	default:
		h.logger.Debug("worker pool health check", fields...)
	}
	if status.Saturated() {
		h.logger.Warn("all workers are busy, runs are queueing", zap.Int("total", status.TotalWorkers))
	}
}

// report pushes the current counts to the metrics collector.
func (h *HealthMonitor) report() *HealthStatus {
	status := h.GetStatus()
	h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)
	return status
}

// GetStatus samples the pool. It is healthy while no worker has stopped;
// busy workers only mean runs wait in the queue.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	status := &HealthStatus{Timestamp: time.Now()}
	for _, ws := range h.pool.GetStatus() {
		status.TotalWorkers++
		switch ws {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}
	status.Healthy = status.TotalWorkers > 0 && status.StoppedWorkers == 0
	return status
}

// IsHealthy samples the pool and reports its health.
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
