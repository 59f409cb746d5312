// Package monitor samples host resource usage on a fixed interval and keeps
// the most recent sample for status queries.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/tomb.v2"

	"github.com/nebula-panel/nebula/apps/api/internal/metrics"
)

type Sample struct {
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	MemoryUsedBytes  uint64    `json:"memory_used_bytes"`
	MemoryTotalBytes uint64    `json:"memory_total_bytes"`
	DiskPercent      float64   `json:"disk_percent"`
	DiskUsedBytes    uint64    `json:"disk_used_bytes"`
	DiskTotalBytes   uint64    `json:"disk_total_bytes"`
	Load1            float64   `json:"load1"`
	UptimeSeconds    uint64    `json:"uptime_seconds"`
	TakenAt          time.Time `json:"taken_at"`
}

type Collector interface {
	Collect(ctx context.Context) (Sample, error)
}

// HostCollector reads the local host through gopsutil.
type HostCollector struct {
	// DiskPath is the mount whose usage is reported.
	DiskPath string
	Clock    clock.Clock
}

func (h HostCollector) Collect(ctx context.Context) (Sample, error) {
	var s Sample
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, errors.Annotate(err, "cpu")
	}
	if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, errors.Annotate(err, "memory")
	}
	s.MemoryPercent, s.MemoryUsedBytes, s.MemoryTotalBytes = vm.UsedPercent, vm.Used, vm.Total

	path := h.DiskPath
	if path == "" {
		path = "/"
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Sample{}, errors.Annotatef(err, "disk %s", path)
	}
	s.DiskPercent, s.DiskUsedBytes, s.DiskTotalBytes = du.UsedPercent, du.Used, du.Total

	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		s.UptimeSeconds = up
	}
	c := h.Clock
	if c == nil {
		c = clock.WallClock
	}
	s.TakenAt = c.Now().UTC()
	return s, nil
}

type Config struct {
	Interval time.Duration
	// Backoff is the wait after a failed sample.
	Backoff time.Duration
}

// Sampler runs one collection loop between Start and Stop.
type Sampler struct {
	collector Collector
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	cfg       Config

	latest atomic.Pointer[Sample]

	mu      sync.Mutex
	tomb    *tomb.Tomb
	stopped bool
}

func NewSampler(collector Collector, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger, cfg Config) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Minute
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Sampler{collector: collector, clock: clk, metrics: m, logger: logger, cfg: cfg}
}

// Start launches the loop. A sampler runs at most once; starting it again
// fails.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tomb != nil || s.stopped {
		return errors.AlreadyExistsf("sampler already started")
	}
	t, ctx := tomb.WithContext(ctx)
	s.tomb = t
	t.Go(func() error { return s.loop(ctx) })
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("host sampler started")
	return nil
}

// Stop ends the loop and waits for it. Stopping a sampler that never
// started is a no-op.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	t := s.tomb
	s.tomb, s.stopped = nil, true
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Kill(nil)
	err := t.Wait()
	s.logger.Info().Msg("host sampler stopped")
	return err
}

// Latest returns the last successful sample.
func (s *Sampler) Latest() (Sample, bool) {
	p := s.latest.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}

func (s *Sampler) loop(ctx context.Context) error {
	for {
		wait := s.cfg.Interval
		sample, err := s.collector.Collect(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			wait = s.cfg.Backoff
			s.metrics.SampleFailed()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("host sample failed")
		default:
			s.latest.Store(&sample)
			s.metrics.HostSample(sample.CPUPercent, sample.MemoryPercent, sample.DiskPercent, sample.Load1, sample.TakenAt)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(wait):
		}
	}
}
