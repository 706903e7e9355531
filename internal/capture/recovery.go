package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenlearn/voicekit/internal/shared"
	"golang.org/x/sync/singleflight"
)

// recoverer walks the three-stage device recovery sequence:
//
//  1. the exact device id that was in use, after a short settle delay
//  2. a device whose label matches the previous one (ids churn when the OS
//     re-enumerates after a reconnect)
//  3. the best available non-blocklisted microphone
//
// Stages wait increasing settle delays. The whole sequence is serialized
// through a singleflight group so a watchdog trigger racing a track-ended
// trigger produces one attempt whose result both observe.
type recoverer struct {
	p  *Pipeline
	sf singleflight.Group
}

func newRecoverer(p *Pipeline) *recoverer {
	return &recoverer{p: p}
}

func (r *recoverer) run(ctx context.Context) error {
	_, err, _ := r.sf.Do("recover", func() (any, error) {
		return nil, r.attempt(ctx)
	})
	return err
}

func (r *recoverer) attempt(ctx context.Context) error {
	p := r.p

	p.mu.Lock()
	if p.intentional {
		p.mu.Unlock()
		return nil
	}
	prev := p.device
	old := p.stream
	p.stream = nil
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	stages := []struct {
		name string
		open func(context.Context) error
	}{
		{"same_id", func(ctx context.Context) error {
			if prev.ID == "" {
				return ErrNoDevice
			}
			return p.openDevice(ctx, prev.ID)
		}},
		{"label_match", func(ctx context.Context) error {
			return r.openByLabel(ctx, prev.Label)
		}},
		{"best_available", r.openBestAvailable},
	}

	var lastErr error
	for i, stage := range stages {
		if err := sleepCtx(ctx, p.cfg.Recovery.Delay(i)); err != nil {
			return err
		}
		if err := stage.open(ctx); err != nil {
			p.log.Warn("recovery stage failed", "stage", stage.name, "error", err)
			lastErr = err
			continue
		}
		p.log.Info("microphone recovered", "stage", stage.name, "device", p.Device().Label)
		if p.cb.OnRecovered != nil {
			p.cb.OnRecovered(p.Device())
		}
		return nil
	}

	// Remember the lost device so a later manual restart retries it first.
	p.mu.Lock()
	p.recoveryTarget = prev.ID
	p.mu.Unlock()

	err := shared.NewCaptureError(shared.CaptureTrackLost, lastErr)
	if p.cb.OnLost != nil {
		p.cb.OnLost(err)
	}
	return err
}

func (r *recoverer) openByLabel(ctx context.Context, label string) error {
	if label == "" {
		return ErrNoDevice
	}
	devices, err := r.p.driver.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Label == label && !r.p.blocklist.Blocked(d) {
			return r.p.openDevice(ctx, d.ID)
		}
	}
	return fmt.Errorf("%w: no device labeled %q", ErrNoDevice, label)
}

func (r *recoverer) openBestAvailable(ctx context.Context) error {
	devices, err := r.p.driver.Devices()
	if err != nil {
		return err
	}
	var fallback *DeviceInfo
	for i, d := range devices {
		if r.p.blocklist.Blocked(d) {
			continue
		}
		if d.Default {
			return r.p.openDevice(ctx, d.ID)
		}
		if fallback == nil {
			fallback = &devices[i]
		}
	}
	if fallback != nil {
		return r.p.openDevice(ctx, fallback.ID)
	}
	return ErrNoDevice
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
