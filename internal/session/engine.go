package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenlearn/voicekit/internal/audio"
	"github.com/lumenlearn/voicekit/internal/micstatus"
	"github.com/lumenlearn/voicekit/internal/playback"
	"github.com/lumenlearn/voicekit/internal/shared"
	"github.com/lumenlearn/voicekit/internal/telemetry"
	"github.com/lumenlearn/voicekit/internal/transcript"
	"github.com/lumenlearn/voicekit/internal/transport"
	"github.com/lumenlearn/voicekit/internal/turntaking"
	"github.com/lumenlearn/voicekit/internal/vad"
	"github.com/lumenlearn/voicekit/internal/wire"
)

// Channel is the session channel surface the engine needs. Satisfied by
// *transport.Client and by the test fake.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, msg any) error
	On(t wire.MessageType, h transport.Handler)
	Connected() bool
}

// Mic is the capture surface the engine needs. Satisfied by
// *capture.Pipeline. Nil means a text-only session.
type Mic interface {
	Start(ctx context.Context) error
	Stop()
	Active() bool
}

type Config struct {
	Session Session
	Channel Channel
	Mic     Mic
	Sink    playback.Sink

	Playback  playback.Config
	Energy    vad.EnergyConfig
	Duck      vad.DuckConfig
	Guard     turntaking.GuardConfig
	Grace     turntaking.GraceConfig
	Projector micstatus.Config

	// NeuralModelPath points at the Silero ONNX model. Empty leaves the
	// energy detector authoritative.
	NeuralModelPath string

	Metrics *telemetry.Metrics
	Events  *telemetry.EventStore
	Logger  *slog.Logger
}

// Engine runs one session: frames in from the mic, audio out through the
// scheduler, turn decisions in between.
type Engine struct {
	sess    Session
	log     *slog.Logger
	ch      Channel
	mic     Mic
	sink    playback.Sink
	metrics *telemetry.Metrics
	events  *telemetry.EventStore

	scheduler *playback.Scheduler
	turns     *turntaking.Engine
	energy    *vad.EnergyDetector
	baseline  *vad.Baseline
	adaptive  *vad.AdaptiveThreshold
	neural    *vad.NeuralDetector
	arbiter   *vad.Arbiter
	duck      *vad.DuckController
	projector *micstatus.Projector
	history   *transcript.History

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	mode        shared.ActivityMode
	thinking    bool
	hearing     bool
	noise       bool
	textOnly    bool
	lastPartial string
	graceTimer  *time.Timer

	endOnce sync.Once
	endErr  error
}

func New(cfg Config) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", cfg.Session.ID)
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sess:    cfg.Session,
		log:     log,
		ch:      cfg.Channel,
		mic:     cfg.Mic,
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		events:  cfg.Events,
		ctx:     ctx,
		cancel:  cancel,
		status:  StatusActive,
		mode:    cfg.Session.Mode,
	}

	e.scheduler = playback.NewScheduler(cfg.Playback, cfg.Sink, log)
	e.turns = turntaking.NewEngine(turntaking.Config{
		Band:     cfg.Session.Band,
		Start:    cfg.Session.StartedAt,
		Playback: e.scheduler,
		Guard:    cfg.Guard,
		Grace:    cfg.Grace,
		Logger:   log,
	})
	e.energy = vad.NewEnergyDetector(cfg.Energy)
	e.baseline = vad.NewBaseline(0, 0)
	e.adaptive = vad.NewAdaptiveThreshold(e.baseline)
	e.arbiter = vad.NewArbiter(log)
	e.duck = vad.NewDuckController(cfg.Duck, cfg.Sink, vad.DuckCallbacks{
		StillSpeaking: e.arbiter.Speaking,
		TutorSpeaking: e.turns.TutorSpeaking,
		OnConfirm:     e.commitBargeIn,
		OnCancel:      e.onDuckCancel,
	}, log)
	e.projector = micstatus.NewProjector(cfg.Projector)
	e.history = transcript.NewHistory(0, 0)

	if cfg.NeuralModelPath != "" {
		neural, err := vad.NewNeuralDetector(vad.NeuralConfig{ModelPath: cfg.NeuralModelPath}, vad.NeuralCallbacks{
			OnSpeechStart: func() { e.arbiter.Report(vad.SourceNeural, vad.Event{Kind: vad.SpeechStart}) },
			OnSpeechEnd:   func() { e.arbiter.Report(vad.SourceNeural, vad.Event{Kind: vad.SpeechEnd}) },
		})
		if err != nil {
			log.Warn("neural vad unavailable, energy detector is authoritative", "error", err)
		} else {
			e.neural = neural
		}
	}
	e.arbiter.SetNeuralAvailable(e.neural != nil)
	e.arbiter.OnSpeech(e.onSpeech)
	e.arbiter.OnHearing(e.onHearing)

	e.registerHandlers()
	return e, nil
}

func (e *Engine) Session() Session { return e.sess }

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// TextOnly reports whether the session degraded to typed chat.
func (e *Engine) TextOnly() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.textOnly
}

func (e *Engine) MicStatus() micstatus.Status {
	return e.projector.Status()
}

func (e *Engine) Transcript() []transcript.Entry {
	return e.history.Entries()
}

// SendText delivers a typed student message. This is the input path a
// text-only session relies on; voice sessions may use it too.
func (e *Engine) SendText(text string) error {
	if e.Status() != StatusActive {
		return shared.ErrSessionClosed
	}
	return e.ch.Send(e.ctx, wire.TextMessage{Type: wire.TypeTextMessage, Text: text})
}

// UploadDocument announces a document the tutor should ground its answers
// on. The upload itself happens out of band; this carries the reference.
func (e *Engine) UploadDocument(id, name string) error {
	if e.Status() != StatusActive {
		return shared.ErrSessionClosed
	}
	return e.ch.Send(e.ctx, wire.DocumentUploadedMessage{
		Type:       wire.TypeDocumentUploaded,
		DocumentID: id,
		Name:       name,
	})
}

// SetMode requests a server-side mode change. Nil fields are left as-is;
// the server confirms with mode_updated, which is where local state moves.
func (e *Engine) SetMode(tutorAudio, studentMic *bool) error {
	if e.Status() != StatusActive {
		return shared.ErrSessionClosed
	}
	return e.ch.Send(e.ctx, wire.UpdateModeMessage{
		Type:       wire.TypeUpdateMode,
		TutorAudio: tutorAudio,
		StudentMic: studentMic,
	})
}

// SetVisibility reports tab visibility so the server can pace or pause the
// tutor while nobody is watching.
func (e *Engine) SetVisibility(visible bool) error {
	if e.Status() != StatusActive {
		return shared.ErrSessionClosed
	}
	return e.ch.Send(e.ctx, wire.VisibilityMessage{Type: wire.TypeClientVisibility, Visible: visible})
}

// Start connects the channel and brings up capture. A capture failure is not
// fatal; the session continues text-only.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ch.Connect(ctx); err != nil {
		e.cancel()
		return err
	}
	e.metrics.ActiveSessions.Add(e.ctx, 1)

	if e.mic != nil {
		if err := e.mic.Start(ctx); err != nil {
			e.log.Warn("capture unavailable, continuing text-only", "error", err)
			e.setTextOnly()
		}
	} else {
		e.setTextOnly()
	}
	e.refreshStatus()
	e.log.Info("session started", "grade_band", e.sess.Band, "adaptive", e.sess.Adaptive)
	return nil
}

// End tears the session down. Safe to call more than once and from several
// goroutines; every caller observes the first teardown's result.
func (e *Engine) End(ctx context.Context, reason string) error {
	e.endOnce.Do(func() {
		e.log.Info("ending session", "reason", reason)
		e.mu.Lock()
		if e.status == StatusActive {
			e.status = StatusEnded
		}
		if e.graceTimer != nil {
			e.graceTimer.Stop()
			e.graceTimer = nil
		}
		e.mu.Unlock()

		if e.mic != nil {
			e.mic.Stop()
		}
		e.duck.Stop()
		e.scheduler.Stop()
		e.mu.Lock()
		neural := e.neural
		e.neural = nil
		e.mu.Unlock()
		if neural != nil {
			neural.Close()
		}
		// Best-effort beacon so the server can distinguish a deliberate end
		// from a dropped connection.
		_ = e.ch.Send(ctx, wire.ClientEndIntentMessage{
			Type:   wire.TypeClientEndIntent,
			Reason: reason,
		})
		e.endErr = e.ch.Disconnect(ctx)
		e.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		e.cancel()
	})
	return e.endErr
}

// HandleFrame consumes one processed capture frame: ship it upstream, feed
// both detectors, keep the noise baseline warm.
func (e *Engine) HandleFrame(frame []int16, stats audio.FrameStats) {
	_ = e.ch.Send(e.ctx, wire.AudioMessage{
		Type:  wire.TypeAudio,
		Audio: wire.EncodePCM16(frame),
		GenID: e.turns.Generation(),
	})

	// The baseline tracks ambient noise; frames during student speech or
	// tutor playback (speaker bleed) would poison it.
	tutorSpeaking := e.turns.TutorSpeaking()
	if !e.arbiter.Speaking() && !tutorSpeaking {
		e.baseline.Add(stats.RMS, time.Now())
	}
	if ev, ok := e.energy.Process(stats); ok {
		if ev.Kind == vad.SpeechStart && tutorSpeaking && !e.qualifies(ev.RMS) {
			e.markNoise(true)
			e.energy.Reset()
			return
		}
		e.arbiter.Report(vad.SourceEnergy, ev)
	}

	e.mu.Lock()
	neural := e.neural
	e.mu.Unlock()
	if neural != nil {
		if err := neural.Process(frame); err != nil {
			e.log.Error("neural vad failed, falling back to energy", "error", err)
			e.mu.Lock()
			e.neural = nil
			e.mu.Unlock()
			neural.Close()
			e.arbiter.SetNeuralAvailable(false)
		}
	}
}

// onSessionConfig applies server-pushed session settings. The grade band is
// fixed at session start; only the adaptive flag and activity mode move.
func (e *Engine) onSessionConfig(env wire.Envelope) {
	msg, err := wire.DecodeAs[wire.SessionConfigMessage](env)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.sess.Adaptive = msg.AdaptiveBargeIn
	if msg.ActivityMode != "" {
		e.mode = shared.ActivityMode(msg.ActivityMode)
	}
	e.mu.Unlock()
	e.log.Info("session config applied", "adaptive", msg.AdaptiveBargeIn, "mode", msg.ActivityMode)
}

// qualifies applies the adaptive noise-floor check to a barge-in candidate
// while the tutor is audible. Quiet speech over a silent tutor is never
// filtered, and non-adaptive sessions accept every candidate.
func (e *Engine) qualifies(rms float64) bool {
	if !e.adaptiveEnabled() {
		return true
	}
	return e.adaptive.Qualifies(rms)
}

func (e *Engine) adaptiveEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Adaptive
}

func (e *Engine) onSpeech(ev vad.Event) {
	now := time.Now()
	switch ev.Kind {
	case vad.SpeechStart:
		e.cancelGrace()
		e.markNoise(false)
		e.turns.OnSpeechStart(now)
		if e.turns.TutorSpeaking() {
			e.duck.OnCandidateStart(now)
		} else {
			_ = e.ch.Send(e.ctx, wire.SpeechDetectedMessage{
				Type:      wire.TypeSpeechDetected,
				BargeIn:   false,
				Adaptive:  e.adaptiveEnabled(),
				GradeBand: string(e.sess.Band),
			})
		}
	case vad.SpeechEnd:
		e.mu.Lock()
		partial := e.lastPartial
		e.mu.Unlock()
		if grace := e.turns.GraceFor(partial); grace > 0 {
			e.armGrace(grace)
			return
		}
		e.finishSpeech(now)
	}
	e.refreshStatus()
}

// armGrace holds the speech-end open for a continuation pause. A new speech
// start cancels the timer and the segment just continues.
func (e *Engine) armGrace(grace time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}
	e.log.Debug("holding turn open for continuation", "grace", grace)
	e.graceTimer = time.AfterFunc(grace, func() {
		e.mu.Lock()
		e.graceTimer = nil
		e.mu.Unlock()
		e.finishSpeech(time.Now())
		e.refreshStatus()
	})
}

func (e *Engine) cancelGrace() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
}

func (e *Engine) finishSpeech(now time.Time) {
	e.duck.OnSpeechEnd()
	outcome := e.turns.OnSpeechEnd(now)
	if outcome.Escalated {
		e.recordEvent(telemetry.EventProfileEscalated, "", 0)
	}
	if outcome.RealTurn {
		// The server announces speech_ended from its own STT; nothing to
		// send here beyond the audio frames already shipped.
		e.metrics.TurnDuration.Record(e.ctx, outcome.Duration.Seconds())
	}
}

func (e *Engine) onHearing(active bool) {
	e.mu.Lock()
	e.hearing = active
	e.mu.Unlock()
	e.refreshStatus()
}

func (e *Engine) markNoise(ignoring bool) {
	e.mu.Lock()
	changed := e.noise != ignoring
	e.noise = ignoring
	e.mu.Unlock()
	if changed && ignoring {
		e.log.Debug("speech candidate below adaptive noise floor")
	}
	if changed {
		e.refreshStatus()
	}
}

// commitBargeIn runs when the duck controller confirms sustained speech over
// tutor audio: bump the generation, hard-stop playback, tell the server.
func (e *Engine) commitBargeIn() {
	gen := e.turns.NextGeneration()
	e.scheduler.Stop()
	e.scheduler.SetGeneration(gen)
	e.turns.SetTutorFlag(false)

	_ = e.ch.Send(e.ctx, wire.SpeechDetectedMessage{
		Type:      wire.TypeSpeechDetected,
		BargeIn:   true,
		Adaptive:  e.adaptiveEnabled(),
		GradeBand: string(e.sess.Band),
	})
	_ = e.ch.Send(e.ctx, wire.BargeInEventMessage{
		Type:     wire.TypeBargeInEvent,
		GenID:    gen,
		Reason:   "student_speech",
		Accepted: true,
		AtMs:     time.Now().UnixMilli(),
	})

	e.metrics.RecordBargeIn(e.ctx, "confirmed", string(e.sess.Band))
	e.recordEvent(telemetry.EventBargeInConfirmed, "student_speech", gen)
	e.log.Info("barge-in confirmed", "gen", gen)
	e.refreshStatus()
}

func (e *Engine) onDuckCancel(reason string) {
	e.metrics.RecordBargeIn(e.ctx, "cancelled", string(e.sess.Band))
	e.recordEvent(telemetry.EventBargeInCancelled, reason, 0)
	e.refreshStatus()
}

func (e *Engine) registerHandlers() {
	e.ch.On(wire.TypeAudio, e.onTutorAudio)
	e.ch.On(wire.TypeTutorBargeIn, e.onTutorBargeIn)
	e.ch.On(wire.TypeTranscript, e.onTranscript)
	e.ch.On(wire.TypeTranscriptUpdate, e.onTranscript)
	e.ch.On(wire.TypeInterrupt, e.onInterrupt)
	e.ch.On(wire.TypeDuck, func(wire.Envelope) { e.sink.SetGain(0.25, 80*time.Millisecond) })
	e.ch.On(wire.TypeUnduck, func(wire.Envelope) { e.sink.SetGain(1.0, 80*time.Millisecond) })
	e.ch.On(wire.TypeTutorThinking, func(wire.Envelope) { e.setThinking(true) })
	e.ch.On(wire.TypeTutorResponding, func(wire.Envelope) {
		e.setThinking(false)
		e.turns.SetTutorFlag(true)
		e.refreshStatus()
	})
	e.ch.On(wire.TypeTutorError, func(env wire.Envelope) {
		e.setThinking(false)
		e.turns.SetTutorFlag(false)
		e.refreshStatus()
	})
	e.ch.On(wire.TypeNoiseIgnored, func(wire.Envelope) { e.markNoise(true) })
	e.ch.On(wire.TypeSpeechEnded, func(wire.Envelope) { e.refreshStatus() })
	e.ch.On(wire.TypeSessionConfig, e.onSessionConfig)
	e.ch.On(wire.TypeSTTStatus, func(env wire.Envelope) {
		if msg, err := wire.DecodeAs[wire.STTStatusMessage](env); err == nil {
			e.log.Debug("stt status", "status", msg.Status)
		}
	})
	e.ch.On(wire.TypeModeUpdated, e.onModeUpdated)
	e.ch.On(wire.TypeSessionEnded, e.onSessionEnded)
	e.ch.On(wire.TypeError, func(env wire.Envelope) {
		if msg, err := wire.DecodeAs[wire.ErrorMessage](env); err == nil {
			e.log.Error("server error", "code", msg.Code, "message", msg.Message)
		}
	})
}

// onTutorAudio schedules one tutor audio chunk. Chunks from a generation
// older than the local one are from an interrupted response and are dropped.
func (e *Engine) onTutorAudio(env wire.Envelope) {
	msg, err := wire.DecodeAs[wire.AudioMessage](env)
	if err != nil {
		e.log.Error("bad tutor audio message", "error", err)
		return
	}
	samples, err := wire.DecodePCM16(msg.Audio)
	if err != nil {
		e.log.Error("bad tutor audio payload", "error", err)
		return
	}
	e.turns.ObserveGeneration(msg.GenID)
	if e.scheduler.Enqueue(samples, msg.GenID) {
		e.refreshStatus()
	}
}

func (e *Engine) onTutorBargeIn(env wire.Envelope) {
	msg, err := wire.DecodeAs[wire.TutorBargeInMessage](env)
	if err != nil {
		return
	}
	e.turns.ObserveGeneration(msg.GenID)
	e.scheduler.SetGeneration(msg.GenID)
	e.refreshStatus()
}

func (e *Engine) onTranscript(env wire.Envelope) {
	msg, err := wire.DecodeAs[wire.TranscriptMessage](env)
	if err != nil {
		e.log.Error("bad transcript message", "error", err)
		return
	}
	speaker := transcript.Speaker(msg.Speaker)
	now := time.Now()

	if speaker == transcript.SpeakerStudent {
		if msg.Partial {
			e.mu.Lock()
			e.lastPartial = msg.Text
			e.mu.Unlock()
		} else {
			e.mu.Lock()
			e.lastPartial = ""
			e.mu.Unlock()
			if res := e.turns.ValidateTurn(msg.Text, now); !res.Valid {
				e.metrics.RecordGhostTurn(e.ctx, res.Reason)
				e.recordEvent(telemetry.EventGhostTurn, res.Reason, 0)
				return
			}
		}
	}
	if speaker == transcript.SpeakerTutor && !msg.Partial {
		// The response text is complete; queued audio keeps the truth
		// function honest until it drains.
		e.turns.SetTutorFlag(false)
	}
	e.history.Append(transcript.Entry{
		Speaker:   speaker,
		Text:      msg.Text,
		Timestamp: now,
		Partial:   msg.Partial,
	})
	e.refreshStatus()
}

// onInterrupt applies a server-side interrupt, subject to the grade-band
// gating. A blocked interrupt is reported back instead of silently eaten.
func (e *Engine) onInterrupt(env wire.Envelope) {
	msg, err := wire.DecodeAs[wire.InterruptMessage](env)
	if err != nil {
		return
	}
	if !e.turns.HonorInterrupt(msg.Reason) {
		e.metrics.RecordBargeIn(e.ctx, "blocked", string(e.sess.Band))
		e.recordEvent(telemetry.EventInterruptBlocked, msg.Reason, 0)
		_ = e.ch.Send(e.ctx, wire.BargeInEventMessage{
			Type:     wire.TypeBargeInEvent,
			GenID:    e.turns.Generation(),
			Reason:   msg.Reason,
			Accepted: false,
			AtMs:     time.Now().UnixMilli(),
		})
		return
	}
	if msg.StopPlayback {
		e.scheduler.Stop()
		e.turns.SetTutorFlag(false)
	}
	if msg.StopMic && e.mic != nil {
		e.mic.Stop()
	}
	e.refreshStatus()
}

func (e *Engine) onModeUpdated(env wire.Envelope) {
	msg, err := wire.DecodeAs[wire.UpdateModeMessage](env)
	if err != nil {
		return
	}
	if msg.TutorAudio != nil && !*msg.TutorAudio {
		e.scheduler.Stop()
	}
	if msg.StudentMic != nil && e.mic != nil {
		if *msg.StudentMic {
			if err := e.mic.Start(e.ctx); err != nil {
				e.log.Warn("mic restart failed", "error", err)
			}
		} else {
			e.mic.Stop()
		}
	}
	e.refreshStatus()
}

func (e *Engine) onSessionEnded(env wire.Envelope) {
	msg, _ := wire.DecodeAs[wire.SessionEndedMessage](env)
	go func() {
		_ = e.End(context.Background(), "server:"+msg.Reason)
	}()
}

// OnChannelError is wired as the transport failure callback: drop to
// text-only, stop audio in both directions, keep the session alive.
func (e *Engine) OnChannelError(err error) {
	e.metrics.ChannelErrors.Add(e.ctx, 1)
	e.log.Error("session channel failed, degrading to text-only", "error", err)

	e.setTextOnly()
	if e.mic != nil {
		e.mic.Stop()
	}
	e.duck.Stop()
	e.scheduler.Stop()
	e.turns.SetTutorFlag(false)
	e.refreshStatus()
}

func (e *Engine) setThinking(v bool) {
	e.mu.Lock()
	e.thinking = v
	e.mu.Unlock()
	e.refreshStatus()
}

func (e *Engine) setTextOnly() {
	e.mu.Lock()
	e.textOnly = true
	e.mu.Unlock()
}

// OnMicLost and OnMicRecovered are wired as capture pipeline callbacks.
func (e *Engine) OnMicLost(cerr *shared.CaptureError) {
	e.metrics.RecordMicRecovery(e.ctx, "exhausted", "failed")
	e.recordEvent(telemetry.EventMicLost, string(cerr.Kind), 0)
	e.log.Warn("microphone lost", "kind", cerr.Kind)
	e.refreshStatus()
}

func (e *Engine) OnMicRecovered(label string) {
	e.metrics.RecordMicRecovery(e.ctx, "recovered", "ok")
	e.recordEvent(telemetry.EventMicRecovered, label, 0)
	e.refreshStatus()
}

func (e *Engine) recordEvent(kind, reason string, gen uint64) {
	if e.events == nil {
		return
	}
	ev := telemetry.Event{
		SessionID: e.sess.ID,
		UserID:    e.sess.UserID,
		Kind:      kind,
		Reason:    reason,
		GradeBand: string(e.sess.Band),
		GenID:     gen,
	}
	if err := e.events.Record(e.ctx, ev); err != nil {
		e.log.Warn("failed to persist telemetry event", "kind", kind, "error", err)
	}
}

// refreshStatus recomputes the mic status projection from current signals.
func (e *Engine) refreshStatus() micstatus.Status {
	e.mu.Lock()
	thinking := e.thinking
	hearing := e.hearing
	noise := e.noise
	e.mu.Unlock()

	micActive := e.mic != nil && e.mic.Active()
	return e.projector.Update(micstatus.Signals{
		MicActive:     micActive,
		TutorSpeaking: e.turns.TutorSpeaking(),
		Processing:    thinking,
		HearingSpeech: hearing,
		IgnoringNoise: noise,
	}, time.Now())
}
