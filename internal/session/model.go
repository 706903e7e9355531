// Package session assembles one live tutoring session: microphone capture,
// dual VAD arbitration, turn-taking, gapless playback, the mic status
// projector and the session channel, wired into a single engine.
package session

import (
	"time"

	"github.com/lumenlearn/voicekit/internal/shared"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusFailed Status = "failed"
)

// Session is the immutable identity of one tutoring conversation. Runtime
// state lives in the Engine.
type Session struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	StudentID string              `json:"student_id"`
	Language  string              `json:"language"`
	Band      shared.GradeBand    `json:"grade_band"`
	Mode      shared.ActivityMode `json:"activity_mode"`
	// Adaptive enables the noise-floor qualification for energy speech
	// candidates.
	Adaptive  bool      `json:"adaptive"`
	StartedAt time.Time `json:"started_at"`
}

func NewSession(userID, studentID, language string, band shared.GradeBand) Session {
	return Session{
		ID:        shared.NewID("sess_"),
		UserID:    userID,
		StudentID: studentID,
		Language:  language,
		Band:      band,
		Mode:      shared.ModeDefault,
		StartedAt: time.Now(),
	}
}
