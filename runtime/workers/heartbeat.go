package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// StatsSink receives the resource usage of the process.
type StatsSink interface {
	ProcessStats(rss uint64, cpu float64)
}

// HeartbeatWorker samples memory and CPU of the current process at a fixed interval.
type HeartbeatWorker struct {
	log      *slog.Logger
	interval time.Duration
	sink     StatsSink
	stats    func(p *process.Process) (uint64, float64, error)
}

func NewHeartbeatWorker(log *slog.Logger, interval time.Duration, sink StatsSink) *HeartbeatWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HeartbeatWorker{log: log, interval: interval, sink: sink, stats: selfStats}
}

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Debug("Starting heartbeat worker", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rss, cpu, err := w.stats(p)
			if err != nil {
				w.log.Warn("Failed to collect self stats", "error", err)
				continue
			}
			w.sink.ProcessStats(rss, cpu)
		}
	}
}

func selfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
