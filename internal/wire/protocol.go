// Package wire defines the JSON message framing for the session channel.
// Audio travels as base64-encoded little-endian PCM16 mono 16 kHz inside
// JSON frames in both directions.
package wire

import "encoding/json"

type MessageType string

// Client to server.
const (
	TypeInit             MessageType = "init"
	TypeAudio            MessageType = "audio"
	TypeTextMessage      MessageType = "text_message"
	TypeDocumentUploaded MessageType = "document_uploaded"
	TypeSpeechDetected   MessageType = "speech_detected"
	TypeBargeInEvent     MessageType = "barge_in_event"
	TypeUpdateMode       MessageType = "update_mode"
	TypeEnd              MessageType = "end"
	TypeClientEndIntent  MessageType = "client_end_intent"
	TypeClientVisibility MessageType = "client_visibility"
	TypePong             MessageType = "pong"
)

// Server to client.
const (
	TypePing             MessageType = "ping"
	TypeReady            MessageType = "ready"
	TypeSessionConfig    MessageType = "session_config"
	TypeTranscript       MessageType = "transcript"
	TypeTranscriptUpdate MessageType = "transcript_update"
	TypeSpeechEnded      MessageType = "speech_ended"
	TypeTutorBargeIn     MessageType = "tutor_barge_in"
	TypeNoiseIgnored     MessageType = "noise_ignored"
	TypeDuck             MessageType = "duck"
	TypeUnduck           MessageType = "unduck"
	TypeInterrupt        MessageType = "interrupt"
	TypeModeUpdated      MessageType = "mode_updated"
	TypeTutorThinking    MessageType = "tutor_thinking"
	TypeTutorResponding  MessageType = "tutor_responding"
	TypeTutorError       MessageType = "tutor_error"
	TypeSTTStatus        MessageType = "stt_status"
	TypeSessionEnded     MessageType = "session_ended"
	TypeError            MessageType = "error"
)

// Envelope is the outer frame on the channel. Payload fields are flattened
// into the same JSON object as the type tag.
type Envelope struct {
	Type MessageType     `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

type InitMessage struct {
	Type              MessageType `json:"type"`
	SessionID         string      `json:"sessionId"`
	UserID            string      `json:"userId"`
	StudentID         string      `json:"studentId"`
	AgeGroup          string      `json:"ageGroup"`
	SystemInstruction string      `json:"systemInstruction,omitempty"`
	Documents         []string    `json:"documents,omitempty"`
	Language          string      `json:"language,omitempty"`
}

type AudioMessage struct {
	Type       MessageType `json:"type"`
	Audio      string      `json:"audio"`
	IsChunk    bool        `json:"isChunk,omitempty"`
	ChunkIndex int         `json:"chunkIndex,omitempty"`
	GenID      uint64      `json:"genId,omitempty"`
}

type TextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type DocumentUploadedMessage struct {
	Type       MessageType `json:"type"`
	DocumentID string      `json:"documentId"`
	Name       string      `json:"name,omitempty"`
}

type ClientEndIntentMessage struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type SpeechDetectedMessage struct {
	Type      MessageType `json:"type"`
	BargeIn   bool        `json:"bargeIn"`
	Adaptive  bool        `json:"adaptive"`
	GradeBand string      `json:"gradeBand"`
	Reason    string      `json:"reason,omitempty"`
}

type BargeInEventMessage struct {
	Type     MessageType `json:"type"`
	GenID    uint64      `json:"genId"`
	Reason   string      `json:"reason"`
	Accepted bool        `json:"accepted"`
	AtMs     int64       `json:"atMs"`
}

type UpdateModeMessage struct {
	Type       MessageType `json:"type"`
	TutorAudio *bool       `json:"tutorAudio,omitempty"`
	StudentMic *bool       `json:"studentMic,omitempty"`
}

type VisibilityMessage struct {
	Type    MessageType `json:"type"`
	Visible bool        `json:"visible"`
}

type SessionConfigMessage struct {
	Type            MessageType `json:"type"`
	AdaptiveBargeIn bool        `json:"adaptiveBargeIn"`
	GradeBand       string      `json:"gradeBand"`
	ActivityMode    string      `json:"activityMode"`
}

type TranscriptMessage struct {
	Type      MessageType `json:"type"`
	Speaker   string      `json:"speaker"`
	Text      string      `json:"text"`
	Partial   bool        `json:"partial"`
	Timestamp int64       `json:"timestamp"`
}

type TutorBargeInMessage struct {
	Type   MessageType `json:"type"`
	GenID  uint64      `json:"genId"`
	Reason string      `json:"reason"`
}

type InterruptMessage struct {
	Type         MessageType `json:"type"`
	Reason       string      `json:"reason"`
	StopMic      bool        `json:"stopMic"`
	StopPlayback bool        `json:"stopPlayback"`
}

type TurnStatusMessage struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turnId"`
	Detail string      `json:"detail,omitempty"`
}

type STTStatusMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

type SessionEndedMessage struct {
	Type             MessageType `json:"type"`
	Reason           string      `json:"reason"`
	HardStop         bool        `json:"hardStop"`
	TranscriptLength int         `json:"transcriptLength"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

// Decode peeks the type tag and keeps the raw bytes for the typed decoders.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	env.Raw = data
	return env, nil
}

func DecodeAs[T any](env Envelope) (T, error) {
	var msg T
	err := json.Unmarshal(env.Raw, &msg)
	return msg, err
}
