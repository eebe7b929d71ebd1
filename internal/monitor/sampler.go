// Package monitor produces system metric events for the broker. It is one
// of the external producers the alerting core consumes from.
package monitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/broker"
	"github.com/t77yq/status-alerting/internal/model"
)

// Sampler periodically samples host CPU and memory usage and publishes the
// readings as system.metrics events.
type Sampler struct {
	logger   *zap.Logger
	broker   *broker.Broker
	interval time.Duration
	source   string
	stop     chan struct{}
}

// NewSampler creates a metrics sampler publishing into the given broker.
func NewSampler(b *broker.Broker, interval time.Duration, logger *zap.Logger) *Sampler {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return &Sampler{
		logger:   logger.Named("metrics-sampler"),
		broker:   b,
		interval: interval,
		source:   fmt.Sprintf("sampler@%s", hostname),
		stop:     make(chan struct{}),
	}
}

// Start starts the sampling loop.
func (s *Sampler) Start(ctx context.Context) {
	s.logger.Info("Starting metrics sampler",
		zap.Duration("interval", s.interval))
	go s.sampleLoop(ctx)
}

// Stop stops the sampling loop.
func (s *Sampler) Stop() {
	s.logger.Info("Stopping metrics sampler")
	close(s.stop)
}

func (s *Sampler) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		s.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		s.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	priority := model.PriorityLow
	if cpuPercent[0] > 90 || memInfo.UsedPercent > 90 {
		priority = model.PriorityHigh
	}

	s.broker.Publish(model.EventSystemMetrics, map[string]interface{}{
		"cpu_usage":    cpuPercent[0],
		"memory_usage": memInfo.UsedPercent,
	}, broker.PublishOptions{
		Source:   s.source,
		Priority: priority,
		Tags:     []string{"system"},
	})

	s.logger.Debug("Metrics sampled",
		zap.Float64("cpu_usage", cpuPercent[0]),
		zap.Float64("memory_usage", memInfo.UsedPercent))
}
