package workers

import (
	"context"
	"log/slog"
	"time"
)

// Reading samples one runtime size, such as the number of rooms.
type Reading struct {
	Name string
	Read func() int
}

// GaugeSink receives the sampled values.
type GaugeSink interface {
	RuntimeGauge(name string, value float64)
}

// CapacityWorker periodically samples in-memory structures. Reads are cheap
// snapshots, so a sample may be slightly stale.
type CapacityWorker struct {
	log            *slog.Logger
	readings       []Reading
	sink           GaugeSink
	metricInterval time.Duration
}

func NewCapacityWorker(log *slog.Logger, sink GaugeSink, metricInterval time.Duration, readings ...Reading) *CapacityWorker {
	if metricInterval <= 0 {
		metricInterval = 5 * time.Second
	}
	return &CapacityWorker{log: log, readings: readings, sink: sink, metricInterval: metricInterval}
}

func (w *CapacityWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping capacity sampling")
			return nil
		case <-ticker.C:
			for _, p := range w.readings {
				value := p.Read()
				w.log.Debug("Runtime capacity", "name", p.Name, "value", value)
				w.sink.RuntimeGauge(p.Name, float64(value))
			}
		}
	}
}
