// Package tutorsim is a scripted tutor backend speaking the session wire
// protocol. It exists for local development and for end-to-end tests of the
// client engine: it acknowledges init, replies to text with transcripts and
// chunked audio, honors barge-ins by abandoning the interrupted generation,
// and exposes the idempotent HTTP end-session fallback.
package tutorsim

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lumenlearn/voicekit/internal/shared"
	"github.com/lumenlearn/voicekit/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Config struct {
	// ChunkMs is the audio length of each reply chunk.
	ChunkMs int
	// Chunks is how many chunks one reply carries.
	Chunks int
	// ChunkGap is the pause between chunk sends, so a barge-in has a
	// window to land mid-reply.
	ChunkGap     time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ChunkMs <= 0 {
		c.ChunkMs = 200
	}
	if c.Chunks <= 0 {
		c.Chunks = 5
	}
	if c.ChunkGap <= 0 {
		c.ChunkGap = 20 * time.Millisecond
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	return c
}

type Server struct {
	cfg  Config
	log  *slog.Logger
	echo *echo.Echo

	mu    sync.Mutex
	ended map[string]bool
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:   cfg.withDefaults(),
		log:   log.With("component", "tutorsim"),
		ended: make(map[string]bool),
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", s.handleWS)
	e.POST("/api/v1/sessions/:id/end", s.handleEnd)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	s.echo = e
	return s
}

// Echo exposes the router for httptest servers.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Start(addr string) error {
	s.log.Info("tutorsim listening", "addr", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Ended reports whether a session was closed, over either channel.
func (s *Server) Ended(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended[sessionID]
}

func (s *Server) markEnded(sessionID string) {
	s.mu.Lock()
	s.ended[sessionID] = true
	s.mu.Unlock()
}

// handleEnd is the HTTP fallback for clients whose channel died before the
// end handshake completed. Repeat calls succeed.
func (s *Server) handleEnd(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return shared.BadRequest("missing_session_id", "session id is required")
	}
	s.markEnded(id)
	s.log.Info("session ended over http", "session_id", id)
	return c.JSON(http.StatusOK, map[string]string{"status": "ended", "session_id": id})
}

// tutorConn is one connected client. Writes are serialized; the read loop
// owns all other state.
type tutorConn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu   sync.Mutex
	sessionID string
	// generation is bumped when the student barges in; the reply loop for
	// an older generation stops sending.
	generation atomic.Uint64
	transcript atomic.Int64
}

func (c *tutorConn) send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(msg)
}

func (s *Server) handleWS(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return err
	}
	conn := &tutorConn{ws: ws, log: s.log}
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		env, err := wire.Decode(data)
		if err != nil {
			s.log.Warn("undecodable client message", "error", err)
			continue
		}
		if s.handleMessage(conn, env) {
			return nil
		}
	}
}

// handleMessage processes one client frame. Returns true when the session
// is over and the socket should close.
func (s *Server) handleMessage(conn *tutorConn, env wire.Envelope) bool {
	switch env.Type {
	case wire.TypeInit:
		msg, err := wire.DecodeAs[wire.InitMessage](env)
		if err != nil {
			return false
		}
		conn.sessionID = msg.SessionID
		conn.log = s.log.With("session_id", msg.SessionID)
		conn.log.Info("session initialized", "age_group", msg.AgeGroup, "language", msg.Language)
		_ = conn.send(wire.Envelope{Type: wire.TypeReady})
		_ = conn.send(wire.SessionConfigMessage{
			Type:            wire.TypeSessionConfig,
			AdaptiveBargeIn: true,
			GradeBand:       string(shared.ParseGradeBand(msg.AgeGroup)),
			ActivityMode:    string(shared.ModeDefault),
		})

	case wire.TypeTextMessage:
		msg, err := wire.DecodeAs[wire.TextMessage](env)
		if err != nil {
			return false
		}
		// Close out the student turn the way the STT path would.
		_ = conn.send(wire.Envelope{Type: wire.TypeSpeechEnded})
		go s.respond(conn, msg.Text)

	case wire.TypeSpeechDetected:
		msg, err := wire.DecodeAs[wire.SpeechDetectedMessage](env)
		if err != nil {
			return false
		}
		if msg.BargeIn {
			gen := conn.generation.Add(1)
			conn.log.Info("barge-in received, abandoning reply", "gen", gen)
			_ = conn.send(wire.TutorBargeInMessage{
				Type:   wire.TypeTutorBargeIn,
				GenID:  gen,
				Reason: "student_speech",
			})
		}

	case wire.TypeBargeInEvent:
		if msg, err := wire.DecodeAs[wire.BargeInEventMessage](env); err == nil {
			conn.log.Info("barge-in event", "gen", msg.GenID, "accepted", msg.Accepted, "reason", msg.Reason)
		}

	case wire.TypeUpdateMode:
		if msg, err := wire.DecodeAs[wire.UpdateModeMessage](env); err == nil {
			_ = conn.send(wire.UpdateModeMessage{
				Type:       wire.TypeModeUpdated,
				TutorAudio: msg.TutorAudio,
				StudentMic: msg.StudentMic,
			})
		}

	case wire.TypeAudio, wire.TypePong, wire.TypeClientVisibility, wire.TypeDocumentUploaded:
		// Consumed without a scripted reaction.

	case wire.TypeClientEndIntent:
		// Beacon only; the session stays open until the end handshake.
		if msg, err := wire.DecodeAs[wire.ClientEndIntentMessage](env); err == nil {
			conn.log.Info("client signaled end intent", "reason", msg.Reason)
		}

	case wire.TypeEnd:
		s.markEnded(conn.sessionID)
		_ = conn.send(wire.SessionEndedMessage{
			Type:             wire.TypeSessionEnded,
			Reason:           "user_ended",
			TranscriptLength: int(conn.transcript.Load()),
		})
		return true
	}
	return false
}

// respond plays out one scripted tutor reply: thinking, responding, a
// transcript, then chunked audio under the current generation. A barge-in
// mid-reply bumps the generation and the loop stops.
func (s *Server) respond(conn *tutorConn, text string) {
	gen := conn.generation.Load()
	reply := "Let's talk about that. You said: " + text

	_ = conn.send(wire.TurnStatusMessage{Type: wire.TypeTutorThinking, TurnID: shared.NewID("turn_")})
	_ = conn.send(wire.TurnStatusMessage{Type: wire.TypeTutorResponding, TurnID: shared.NewID("turn_")})
	_ = conn.send(wire.TranscriptMessage{
		Type:      wire.TypeTranscript,
		Speaker:   "tutor",
		Text:      reply,
		Timestamp: time.Now().UnixMilli(),
	})
	conn.transcript.Add(1)

	chunk := make([]int16, wire.SampleRate*s.cfg.ChunkMs/1000)
	for i := 0; i < s.cfg.Chunks; i++ {
		if conn.generation.Load() != gen {
			conn.log.Info("reply abandoned mid-stream", "chunk", i)
			return
		}
		_ = conn.send(wire.AudioMessage{
			Type:       wire.TypeAudio,
			Audio:      wire.EncodePCM16(chunk),
			IsChunk:    true,
			ChunkIndex: i,
			GenID:      gen,
		})
		time.Sleep(s.cfg.ChunkGap)
	}
}

func (s *Server) pingLoop(conn *tutorConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.send(wire.Envelope{Type: wire.TypePing}); err != nil {
				return
			}
		}
	}
}
