package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenlearn/voicekit/internal/audio"
	"github.com/lumenlearn/voicekit/internal/shared"
	"github.com/lumenlearn/voicekit/internal/wire"
)

type fakeStream struct {
	driver  *fakeDriver
	dev     DeviceInfo
	cb      StreamCallbacks
	mu      sync.Mutex
	healthy bool
	closed  bool
}

func (s *fakeStream) Device() DeviceInfo { return s.dev }

func (s *fakeStream) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && !s.closed
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.cb.OnEnded != nil {
		s.cb.OnEnded(nil)
	}
	return nil
}

// fail simulates the hardware track dying out from under the stream.
func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
	if s.cb.OnEnded != nil {
		s.cb.OnEnded(err)
	}
}

func (s *fakeStream) push(samples []int16) {
	if s.cb.OnFrame != nil {
		s.cb.OnFrame(samples)
	}
}

type fakeDriver struct {
	mu        sync.Mutex
	devices   []DeviceInfo
	failWith  map[string]error
	openDelay time.Duration
	opens     []string
	streams   []*fakeStream
}

func newFakeDriver(devices ...DeviceInfo) *fakeDriver {
	return &fakeDriver{devices: devices, failWith: make(map[string]error)}
}

func (d *fakeDriver) Devices() ([]DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeviceInfo, len(d.devices))
	copy(out, d.devices)
	return out, nil
}

func (d *fakeDriver) Open(deviceID string, cb StreamCallbacks) (Stream, error) {
	d.mu.Lock()
	d.opens = append(d.opens, deviceID)
	delay := d.openDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failWith[deviceID]; ok {
		return nil, err
	}
	var dev DeviceInfo
	found := false
	for _, cand := range d.devices {
		if deviceID == "" && cand.Default || cand.ID == deviceID {
			dev = cand
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNoDevice
	}
	s := &fakeStream{driver: d, dev: dev, cb: cb, healthy: true}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDriver) openCount(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.opens {
		if id == deviceID {
			n++
		}
	}
	return n
}

func (d *fakeDriver) lastStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

func fastBackoff() shared.BackoffConfig {
	return shared.BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2}
}

func TestPipeline_StartPrefersExplicitDevice(t *testing.T) {
	driver := newFakeDriver(
		DeviceInfo{ID: "usb", Label: "USB Mic"},
		DeviceInfo{ID: "internal", Label: "Built-in", Default: true},
	)
	p := NewPipeline(driver, Config{UserID: "u1", PreferredDeviceID: "usb", Recovery: fastBackoff()}, Callbacks{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := p.Device().ID; got != "usb" {
		t.Fatalf("device = %q, want usb", got)
	}
	p.Stop()
}

func TestPipeline_StartFallsBackToStoredPreference(t *testing.T) {
	driver := newFakeDriver(
		DeviceInfo{ID: "usb", Label: "USB Mic"},
		DeviceInfo{ID: "internal", Label: "Built-in", Default: true},
	)
	prefs := NewMemoryPrefStore()
	if err := prefs.Save(context.Background(), "u1", Preference{DeviceID: "usb", Label: "USB Mic"}); err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(driver, Config{UserID: "u1", Prefs: prefs, Recovery: fastBackoff()}, Callbacks{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := p.Device().ID; got != "usb" {
		t.Fatalf("device = %q, want usb from stored preference", got)
	}
	p.Stop()
}

func TestPipeline_StartSkipsBlocklistedDevice(t *testing.T) {
	driver := newFakeDriver(
		DeviceInfo{ID: "loop", Label: "BlackHole 2ch"},
		DeviceInfo{ID: "internal", Label: "Built-in", Default: true},
	)
	p := NewPipeline(driver, Config{UserID: "u1", PreferredDeviceID: "loop", Recovery: fastBackoff()}, Callbacks{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := p.Device().ID; got != "internal" {
		t.Fatalf("device = %q, want internal after blocklist skip", got)
	}
	if driver.openCount("loop") != 0 {
		t.Fatal("blocklisted device should never be opened")
	}
	p.Stop()
}

func TestPipeline_StartRejectsBlocklistedDefault(t *testing.T) {
	driver := newFakeDriver(
		DeviceInfo{ID: "loop", Label: "Soundflower (2ch)", Default: true},
	)
	p := NewPipeline(driver, Config{UserID: "u1", Recovery: fastBackoff()}, Callbacks{})

	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("want error when only device is blocklisted")
	}
	var ce *shared.CaptureError
	if !errors.As(err, &ce) || ce.Kind != shared.CaptureNotFound {
		t.Fatalf("err = %v, want CaptureNotFound", err)
	}
}

func TestPipeline_AllowVirtualOverridesBlocklist(t *testing.T) {
	driver := newFakeDriver(
		DeviceInfo{ID: "loop", Label: "BlackHole 2ch", Default: true},
	)
	p := NewPipeline(driver, Config{UserID: "u1", AllowVirtual: true, Recovery: fastBackoff()}, Callbacks{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
}

func TestPipeline_ClassifiesPermissionDenied(t *testing.T) {
	driver := newFakeDriver(DeviceInfo{ID: "internal", Label: "Built-in", Default: true})
	driver.failWith[""] = ErrPermissionDenied
	driver.failWith["internal"] = ErrPermissionDenied
	p := NewPipeline(driver, Config{UserID: "u1", Recovery: fastBackoff()}, Callbacks{})

	err := p.Start(context.Background())
	var ce *shared.CaptureError
	if !errors.As(err, &ce) || ce.Kind != shared.CaptureDenied {
		t.Fatalf("err = %v, want CaptureDenied", err)
	}
	if len(ce.Remediation) == 0 {
		t.Fatal("capture errors carry remediation text")
	}
}

func TestPipeline_RebuffersToWireFrames(t *testing.T) {
	driver := newFakeDriver(DeviceInfo{ID: "internal", Label: "Built-in", Default: true})

	var mu sync.Mutex
	var frames [][]int16
	var stats []audio.FrameStats
	p := NewPipeline(driver, Config{UserID: "u1", InputGain: 1.0, Recovery: fastBackoff()}, Callbacks{
		OnFrame: func(frame []int16, st audio.FrameStats) {
			mu.Lock()
			frames = append(frames, frame)
			stats = append(stats, st)
			mu.Unlock()
		},
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	stream := driver.lastStream()
	stream.push(make([]int16, 500))

	mu.Lock()
	if len(frames) != 1 {
		mu.Unlock()
		t.Fatalf("frames after 500 samples = %d, want 1", len(frames))
	}
	if len(frames[0]) != wire.FrameSamples {
		mu.Unlock()
		t.Fatalf("frame size = %d, want %d", len(frames[0]), wire.FrameSamples)
	}
	mu.Unlock()

	// 180 samples remain buffered; 140 more completes the second frame.
	stream.push(make([]int16, 140))

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if stats[0].RMS != 0 {
		t.Fatalf("silence RMS = %v, want 0", stats[0].RMS)
	}
}

func TestPipeline_StopDoesNotTriggerRecovery(t *testing.T) {
	driver := newFakeDriver(DeviceInfo{ID: "internal", Label: "Built-in", Default: true})
	p := NewPipeline(driver, Config{UserID: "u1", Recovery: fastBackoff()}, Callbacks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := driver.openCount("internal") + driver.openCount("")
	p.Stop()
	time.Sleep(20 * time.Millisecond)

	after := driver.openCount("internal") + driver.openCount("")
	if after != before {
		t.Fatal("Stop must not reopen the device")
	}
	if p.Active() {
		t.Fatal("pipeline still active after Stop")
	}
}

func TestPipeline_RecoversByLabelWhenIDChanges(t *testing.T) {
	driver := newFakeDriver(
		DeviceInfo{ID: "usb-7", Label: "USB Mic"},
		DeviceInfo{ID: "internal", Label: "Built-in", Default: true},
	)

	var recovered atomic.Int32
	var recoveredDev DeviceInfo
	var mu sync.Mutex
	p := NewPipeline(driver, Config{UserID: "u1", PreferredDeviceID: "usb-7", Recovery: fastBackoff()}, Callbacks{
		OnRecovered: func(dev DeviceInfo) {
			mu.Lock()
			recoveredDev = dev
			mu.Unlock()
			recovered.Add(1)
		},
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The OS re-enumerates the same hardware under a new id.
	driver.mu.Lock()
	driver.devices[0].ID = "usb-9"
	driver.mu.Unlock()

	if err := p.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered.Load() != 1 {
		t.Fatalf("OnRecovered calls = %d, want 1", recovered.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if recoveredDev.ID != "usb-9" || recoveredDev.Label != "USB Mic" {
		t.Fatalf("recovered onto %+v, want relabeled USB Mic", recoveredDev)
	}
	p.Stop()
}

func TestPipeline_RecoversToBestAvailable(t *testing.T) {
	driver := newFakeDriver(
		DeviceInfo{ID: "usb", Label: "USB Mic"},
		DeviceInfo{ID: "internal", Label: "Built-in", Default: true},
	)
	p := NewPipeline(driver, Config{UserID: "u1", PreferredDeviceID: "usb", Recovery: fastBackoff()}, Callbacks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The USB mic is gone entirely; recovery should land on the default.
	driver.mu.Lock()
	driver.devices = driver.devices[1:]
	driver.failWith["usb"] = ErrNoDevice
	driver.mu.Unlock()

	if err := p.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := p.Device().ID; got != "internal" {
		t.Fatalf("device = %q, want internal", got)
	}
	p.Stop()
}

func TestPipeline_RecoveryExhaustionReportsTrackLost(t *testing.T) {
	driver := newFakeDriver(DeviceInfo{ID: "usb", Label: "USB Mic", Default: true})
	var lost *shared.CaptureError
	var mu sync.Mutex
	p := NewPipeline(driver, Config{UserID: "u1", PreferredDeviceID: "usb", Recovery: fastBackoff()}, Callbacks{
		OnLost: func(err *shared.CaptureError) {
			mu.Lock()
			lost = err
			mu.Unlock()
		},
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	driver.mu.Lock()
	driver.devices = nil
	driver.failWith["usb"] = ErrNoDevice
	driver.mu.Unlock()

	err := p.Recover(context.Background())
	var ce *shared.CaptureError
	if !errors.As(err, &ce) || ce.Kind != shared.CaptureTrackLost {
		t.Fatalf("err = %v, want CaptureTrackLost", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if lost == nil || lost.Kind != shared.CaptureTrackLost {
		t.Fatal("OnLost not invoked with track_lost")
	}
}

func TestPipeline_ConcurrentRecoveryRunsOneAttempt(t *testing.T) {
	driver := newFakeDriver(DeviceInfo{ID: "usb", Label: "USB Mic", Default: true})
	p := NewPipeline(driver, Config{UserID: "u1", PreferredDeviceID: "usb", Recovery: fastBackoff()}, Callbacks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	startOpens := driver.openCount("usb")

	driver.mu.Lock()
	driver.openDelay = 30 * time.Millisecond
	driver.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Recover(context.Background())
		}(i)
	}
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("recover errors = %v, %v", errs[0], errs[1])
	}
	if got := driver.openCount("usb") - startOpens; got != 1 {
		t.Fatalf("device opened %d times during concurrent recovery, want 1", got)
	}
}

func TestPipeline_HardwareFailureTriggersRecovery(t *testing.T) {
	driver := newFakeDriver(DeviceInfo{ID: "usb", Label: "USB Mic", Default: true})
	var recovered atomic.Int32
	p := NewPipeline(driver, Config{UserID: "u1", PreferredDeviceID: "usb", Recovery: fastBackoff()}, Callbacks{
		OnRecovered: func(DeviceInfo) { recovered.Add(1) },
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	driver.lastStream().fail(errors.New("device unplugged"))

	deadline := time.Now().Add(2 * time.Second)
	for recovered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if recovered.Load() == 0 {
		t.Fatal("recovery never completed after track failure")
	}
	p.Stop()
}

func TestPipeline_SavesDevicePreference(t *testing.T) {
	driver := newFakeDriver(DeviceInfo{ID: "usb", Label: "USB Mic", Default: true})
	prefs := NewMemoryPrefStore()
	p := NewPipeline(driver, Config{UserID: "u1", Prefs: prefs, Recovery: fastBackoff()}, Callbacks{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()

	pref, ok, err := prefs.Load(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if pref.DeviceID != "usb" || pref.Label != "USB Mic" {
		t.Fatalf("stored pref = %+v", pref)
	}
}

func TestWatchdog_RecoversUnhealthyTrack(t *testing.T) {
	driver := newFakeDriver(DeviceInfo{ID: "usb", Label: "USB Mic", Default: true})
	var recovered atomic.Int32
	p := NewPipeline(driver, Config{UserID: "u1", Recovery: fastBackoff()}, Callbacks{
		OnRecovered: func(DeviceInfo) { recovered.Add(1) },
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w := NewWatchdog(p, 10*time.Millisecond)
	w.Start(context.Background())
	defer w.Stop()

	// Track goes silent without an OnEnded callback; only the watchdog
	// notices.
	s := driver.lastStream()
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for recovered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if recovered.Load() == 0 {
		t.Fatal("watchdog never recovered the track")
	}
	p.Stop()
}

func TestBlocklist_Patterns(t *testing.T) {
	b := NewBlocklist(nil, false)
	cases := []struct {
		label   string
		blocked bool
	}{
		{"Built-in Microphone", false},
		{"BlackHole 2ch", true},
		{"Monitor of Built-in Audio", true},
		{"VB-Audio Virtual Cable", true},
		{"Stereo Mix (Realtek)", true},
		{"USB Condenser Mic", false},
	}
	for _, tc := range cases {
		if got := b.Blocked(DeviceInfo{Label: tc.label}); got != tc.blocked {
			t.Errorf("Blocked(%q) = %v, want %v", tc.label, got, tc.blocked)
		}
	}
}
