package tutorsim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenlearn/voicekit/internal/transport"
	"github.com/lumenlearn/voicekit/internal/wire"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg)
	ts := httptest.NewServer(s.Echo())
	t.Cleanup(ts.Close)
	return s, ts
}

func newTestClient(t *testing.T, ts *httptest.Server, sessionID string) *transport.Client {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return transport.NewClient(transport.Config{
		URL:            wsURL,
		EndFallbackURL: ts.URL + "/api/v1/sessions/" + sessionID + "/end",
		SessionID:      sessionID,
		Init: wire.InitMessage{
			UserID:    "user_1",
			StudentID: "student_1",
			AgeGroup:  "middle",
			Language:  "en",
		},
		ReadyTimeout: 2 * time.Second,
		EndWait:      2 * time.Second,
	}, transport.Callbacks{})
}

func TestTextMessageGetsTranscriptAndChunkedAudio(t *testing.T) {
	_, ts := newTestServer(t, Config{ChunkMs: 20, Chunks: 3, ChunkGap: 5 * time.Millisecond})
	client := newTestClient(t, ts, "sess_text")

	transcripts := make(chan wire.TranscriptMessage, 4)
	var chunks atomic.Int32
	lastChunk := make(chan wire.AudioMessage, 8)
	client.On(wire.TypeTranscript, func(env wire.Envelope) {
		msg, err := wire.DecodeAs[wire.TranscriptMessage](env)
		if err != nil {
			t.Errorf("decode transcript: %v", err)
			return
		}
		transcripts <- msg
	})
	client.On(wire.TypeAudio, func(env wire.Envelope) {
		msg, err := wire.DecodeAs[wire.AudioMessage](env)
		if err != nil {
			t.Errorf("decode audio: %v", err)
			return
		}
		chunks.Add(1)
		lastChunk <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect(ctx)

	if err := client.Send(ctx, wire.TextMessage{Type: wire.TypeTextMessage, Text: "what is a fraction?"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-transcripts:
		if msg.Speaker != "tutor" {
			t.Fatalf("speaker = %q, want tutor", msg.Speaker)
		}
		if !strings.Contains(msg.Text, "fraction") {
			t.Fatalf("transcript %q does not echo the question", msg.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript arrived")
	}

	deadline := time.After(2 * time.Second)
	for chunks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("got %d audio chunks, want 3", chunks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	msg := <-lastChunk
	samples, err := wire.DecodePCM16(msg.Audio)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	want := wire.SampleRate * 20 / 1000
	if len(samples) != want {
		t.Fatalf("chunk length = %d samples, want %d", len(samples), want)
	}
}

func TestBargeInAbandonsReplyMidStream(t *testing.T) {
	// Long reply with generous gaps so the barge-in lands mid-stream.
	_, ts := newTestServer(t, Config{ChunkMs: 20, Chunks: 50, ChunkGap: 20 * time.Millisecond})
	client := newTestClient(t, ts, "sess_barge")

	var chunks atomic.Int32
	tutorBargeIn := make(chan wire.TutorBargeInMessage, 1)
	client.On(wire.TypeAudio, func(env wire.Envelope) { chunks.Add(1) })
	client.On(wire.TypeTutorBargeIn, func(env wire.Envelope) {
		msg, err := wire.DecodeAs[wire.TutorBargeInMessage](env)
		if err != nil {
			t.Errorf("decode tutor_barge_in: %v", err)
			return
		}
		select {
		case tutorBargeIn <- msg:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect(ctx)

	if err := client.Send(ctx, wire.TextMessage{Type: wire.TypeTextMessage, Text: "tell me everything"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for chunks.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("reply never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := client.Send(ctx, wire.SpeechDetectedMessage{
		Type:    wire.TypeSpeechDetected,
		BargeIn: true,
	}); err != nil {
		t.Fatalf("Send barge-in: %v", err)
	}

	select {
	case msg := <-tutorBargeIn:
		if msg.GenID == 0 {
			t.Fatal("tutor_barge_in carries generation 0")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tutor_barge_in acknowledgment")
	}

	// Let any in-flight chunk drain, then confirm the stream stopped.
	time.Sleep(100 * time.Millisecond)
	settled := chunks.Load()
	time.Sleep(150 * time.Millisecond)
	if got := chunks.Load(); got != settled {
		t.Fatalf("chunks kept arriving after barge-in: %d then %d", settled, got)
	}
	if settled >= 50 {
		t.Fatalf("full reply of %d chunks arrived despite barge-in", settled)
	}
}

func TestDisconnectCompletesEndHandshake(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	client := newTestClient(t, ts, "sess_end")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !s.Ended("sess_end") {
		t.Fatal("server did not record the session as ended")
	}
}

func TestEndEndpointIsIdempotent(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	url := ts.URL + "/api/v1/sessions/sess_http/end"
	for i := 0; i < 3; i++ {
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %d status = %d, want 200", i, resp.StatusCode)
		}
	}
	if !s.Ended("sess_http") {
		t.Fatal("session not marked ended")
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	_, ts := newTestServer(t, Config{PingInterval: 30 * time.Millisecond})
	client := newTestClient(t, ts, "sess_ping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect(ctx)

	// The client answers pings internally; the connection surviving several
	// ping intervals is the observable effect.
	time.Sleep(150 * time.Millisecond)
	if !client.Connected() {
		t.Fatal("connection dropped across ping intervals")
	}
}

func TestSessionConfigReflectsInit(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	client := newTestClient(t, ts, "sess_cfg")

	cfgCh := make(chan wire.SessionConfigMessage, 1)
	client.On(wire.TypeSessionConfig, func(env wire.Envelope) {
		msg, err := wire.DecodeAs[wire.SessionConfigMessage](env)
		if err != nil {
			t.Errorf("decode session_config: %v", err)
			return
		}
		select {
		case cfgCh <- msg:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect(ctx)

	select {
	case cfg := <-cfgCh:
		if cfg.GradeBand != "middle" {
			t.Fatalf("gradeBand = %q, want middle", cfg.GradeBand)
		}
		if !cfg.AdaptiveBargeIn {
			t.Fatal("adaptive barge-in not enabled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session_config arrived")
	}
}
