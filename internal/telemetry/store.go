package telemetry

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/lumenlearn/voicekit/internal/shared"
)

// Event is one turn-taking decision worth keeping: a confirmed or cancelled
// barge-in, a rejected ghost turn, a mic recovery. Rows feed offline tuning
// of the grade-band profiles.
type Event struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index" json:"session_id"`
	UserID    string    `gorm:"index" json:"user_id"`
	Kind      string    `gorm:"not null;index" json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	GradeBand string    `json:"grade_band,omitempty"`
	GenID     uint64    `json:"gen_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event kinds.
const (
	EventBargeInConfirmed = "barge_in_confirmed"
	EventBargeInCancelled = "barge_in_cancelled"
	EventInterruptBlocked = "interrupt_blocked"
	EventGhostTurn        = "ghost_turn"
	EventMicRecovered     = "mic_recovered"
	EventMicLost          = "mic_lost"
	EventProfileEscalated = "profile_escalated"
)

// EventStore persists events to Postgres. A nil *EventStore is a valid
// no-op, so sessions never branch on whether persistence is configured.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Migrate() error {
	if s == nil {
		return nil
	}
	return s.db.AutoMigrate(&Event{})
}

func (s *EventStore) Record(ctx context.Context, ev Event) error {
	if s == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = shared.NewID("evt_")
	}
	return s.db.WithContext(ctx).Create(&ev).Error
}

func (s *EventStore) BySession(ctx context.Context, sessionID string) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	var events []Event
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at asc").
		Find(&events).Error
	return events, err
}

// CountByKind aggregates events for a session, for end-of-session summary
// reporting.
func (s *EventStore) CountByKind(ctx context.Context, sessionID string) (map[string]int64, error) {
	if s == nil {
		return nil, nil
	}
	type row struct {
		Kind  string
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&Event{}).
		Select("kind, count(*) as count").
		Where("session_id = ?", sessionID).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Kind] = r.Count
	}
	return counts, nil
}
