package bootstrap

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.uber.org/fx"

	"github.com/lumenlearn/voicekit/internal/audio"
	"github.com/lumenlearn/voicekit/internal/capture"
	"github.com/lumenlearn/voicekit/internal/playback"
	"github.com/lumenlearn/voicekit/internal/session"
	"github.com/lumenlearn/voicekit/internal/shared"
	"github.com/lumenlearn/voicekit/internal/telemetry"
	"github.com/lumenlearn/voicekit/internal/transport"
	"github.com/lumenlearn/voicekit/internal/wire"
)

func ProvideManager(log *slog.Logger) *session.Manager {
	return session.NewManager(log)
}

// engineRef breaks the construction cycle between the engine and the
// components that call back into it: the mic and the channel are built
// first with callbacks that resolve the engine lazily.
type engineRef struct {
	ptr atomic.Pointer[session.Engine]
}

func (r *engineRef) get() *session.Engine { return r.ptr.Load() }

type SessionParams struct {
	fx.In

	Config  *Config
	Manager *session.Manager
	Prefs   capture.PrefStore
	Events  *telemetry.EventStore
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// StartSession assembles and runs the one live session this process hosts:
// PortAudio capture in, the scheduler's PortAudio sink out, the WebSocket
// channel in between.
func StartSession(lc fx.Lifecycle, p SessionParams) {
	var (
		ref      engineRef
		sink     *playback.PortAudioSink
		driver   *capture.PortAudioDriver
		watchdog *capture.Watchdog
		sessID   string
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sess := session.NewSession(
				p.Config.UserID,
				p.Config.StudentID,
				p.Config.Language,
				shared.ParseGradeBand(p.Config.GradeBand),
			)
			sess.Adaptive = p.Config.AdaptiveBargeIn
			sessID = sess.ID

			client := transport.NewClient(transport.Config{
				URL:            p.Config.ChannelURL,
				EndFallbackURL: p.Config.EndFallbackURL + "/" + sess.ID + "/end",
				SessionID:      sess.ID,
				Init: wire.InitMessage{
					UserID:    sess.UserID,
					StudentID: sess.StudentID,
					AgeGroup:  string(sess.Band),
					Language:  sess.Language,
				},
				Logger: p.Logger,
			}, transport.Callbacks{
				OnChannelError: func(err error) {
					if eng := ref.get(); eng != nil {
						eng.OnChannelError(err)
					}
				},
			})

			var err error
			driver, err = capture.NewPortAudioDriver()
			if err != nil {
				return err
			}
			pipe := capture.NewPipeline(driver, capture.Config{
				UserID:            sess.UserID,
				PreferredDeviceID: p.Config.CaptureDevice,
				InputGain:         p.Config.InputGain,
				BlockPatterns:     p.Config.BlockPatterns,
				AllowVirtual:      p.Config.AllowVirtual,
				Prefs:             p.Prefs,
				Logger:            p.Logger,
			}, capture.Callbacks{
				OnFrame: func(frame []int16, stats audio.FrameStats) {
					if eng := ref.get(); eng != nil {
						eng.HandleFrame(frame, stats)
					}
				},
				OnLost: func(cerr *shared.CaptureError) {
					if eng := ref.get(); eng != nil {
						eng.OnMicLost(cerr)
					}
				},
				OnRecovered: func(dev capture.DeviceInfo) {
					if eng := ref.get(); eng != nil {
						eng.OnMicRecovered(dev.Label)
					}
				},
			})

			sink, err = playback.NewPortAudioSink()
			if err != nil {
				return err
			}

			eng, err := p.Manager.Create(ctx, session.Config{
				Session:         sess,
				Channel:         client,
				Mic:             pipe,
				Sink:            sink,
				NeuralModelPath: p.Config.NeuralModelPath,
				Metrics:         p.Metrics,
				Events:          p.Events,
				Logger:          p.Logger,
			})
			if err != nil {
				return err
			}
			ref.ptr.Store(eng)

			watchdog = capture.NewWatchdog(pipe, 3*time.Second)
			watchdog.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if watchdog != nil {
				watchdog.Stop()
			}
			var firstErr error
			if sessID != "" {
				if err := p.Manager.Remove(ctx, sessID); err != nil && err != shared.ErrNotFound {
					firstErr = err
				}
			}
			if sink != nil {
				if err := sink.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			if driver != nil {
				if err := driver.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	})
}

var SessionModule = fx.Options(
	fx.Provide(ProvideManager),
	fx.Invoke(StartSession),
)
