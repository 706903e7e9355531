package capture

import (
	"context"
	"time"
)

// Watchdog polls track health and feeds the recovery path before the
// track's own termination callback would fire. Optional; the pipeline works
// without it.
type Watchdog struct {
	pipeline *Pipeline
	interval time.Duration
	cancel   context.CancelFunc
}

func NewWatchdog(p *Pipeline, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Watchdog{pipeline: p, interval: interval}
}

func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
}

func (w *Watchdog) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.pipeline.Active() && !w.pipeline.Healthy() {
				w.pipeline.log.Warn("watchdog detected unhealthy track, recovering")
				_ = w.pipeline.Recover(ctx)
			}
		}
	}
}

func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}
