package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the liveness snapshot served on /health.
type Status struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Hostname      string  `json:"hostname,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	Timestamp     int64   `json:"timestamp"`
}

// Service reports process liveness plus a best-effort host snapshot. Host
// probe failures degrade to the bare liveness fields.
type Service struct {
	startedAt time.Time
}

// NewService creates the health service.
func NewService() *Service {
	return &Service{startedAt: time.Now().UTC()}
}

// Check returns the current status snapshot.
func (s *Service) Check(ctx context.Context) Status {
	status := Status{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Timestamp:     time.Now().UnixMilli(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		status.Hostname = info.Hostname
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		status.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		status.MemoryPercent = vm.UsedPercent
	}
	return status
}
