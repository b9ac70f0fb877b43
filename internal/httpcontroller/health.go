package httpcontroller

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

// healthQueryTimeout bounds the gopsutil calls of one health request.
const healthQueryTimeout = 2 * time.Second

// MemoryStatus is the host and process memory usage.
type MemoryStatus struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
	ProcessRSS  uint64  `json:"process_rss"`
}

// Temperature is one thermal sensor reading.
type Temperature struct {
	Sensor  string  `json:"sensor"`
	Celsius float64 `json:"celsius"`
}

// PipelineHealth summarizes the pipeline for health checks.
type PipelineHealth struct {
	FPS           float64             `json:"fps"`
	FrameSeq      uint64              `json:"frame_seq"`
	Sensors       int                 `json:"sensors"`
	UploadQueue   pipeline.QueueStats `json:"upload_queue"`
	PendingAlerts int                 `json:"pending_alerts"`
}

// HealthStatus is the /api/v1/health body.
type HealthStatus struct {
	Status            string         `json:"status"`
	Device            string         `json:"device,omitempty"`
	Version           string         `json:"version,omitempty"`
	Commit            string         `json:"commit,omitempty"`
	Uptime            string         `json:"uptime"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	HostUptimeSeconds uint64         `json:"host_uptime_seconds,omitempty"`
	Goroutines        int            `json:"goroutines"`
	CPUPercent        float64        `json:"cpu_percent"`
	Memory            MemoryStatus   `json:"memory"`
	Temperatures      []Temperature  `json:"temperatures"`
	Pipeline          PipelineHealth `json:"pipeline"`
}

// GetHealth reports uptime, host load and the pipeline summary.
func (s *Server) GetHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthQueryTimeout)
	defer cancel()
	return c.JSON(http.StatusOK, s.health(ctx))
}

// systemHealth collects host metrics with gopsutil. Failed queries leave the
// corresponding fields zero.
func (s *Server) systemHealth(ctx context.Context) HealthStatus {
	uptime := time.Since(s.startTime)
	st := s.deps.State.State()

	hs := HealthStatus{
		Status:        "ok",
		Device:        s.cfg.Device,
		Version:       s.cfg.Version,
		Commit:        s.cfg.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Temperatures:  []Temperature{},
		Pipeline: PipelineHealth{
			FPS:           st.FPS,
			FrameSeq:      st.FrameSeq,
			Sensors:       len(st.Readings),
			UploadQueue:   st.UploadQueue,
			PendingAlerts: st.PendingAlerts,
		},
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		hs.HostUptimeSeconds = up
	} else {
		s.log.Debug("host uptime unavailable", logger.Error(err))
	}

	// Interval 0 compares against the previous call, so it never blocks.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	} else if err != nil {
		s.log.Debug("cpu usage unavailable", logger.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hs.Memory.Total = vm.Total
		hs.Memory.Used = vm.Used
		hs.Memory.UsedPercent = vm.UsedPercent
	} else {
		s.log.Debug("memory usage unavailable", logger.Error(err))
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
			hs.Memory.ProcessRSS = mi.RSS
		}
	}

	// gopsutil returns partial readings together with a warnings error.
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		s.log.Debug("temperature sensors unavailable", logger.Error(err))
	}
	for _, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		hs.Temperatures = append(hs.Temperatures, Temperature{Sensor: t.SensorKey, Celsius: t.Temperature})
	}
	slices.SortFunc(hs.Temperatures, func(a, b Temperature) int {
		return strings.Compare(a.Sensor, b.Sensor)
	})

	if st.UploadQueue.Capacity > 0 && st.UploadQueue.Len >= st.UploadQueue.Capacity {
		hs.Status = "degraded"
	}
	return hs
}
