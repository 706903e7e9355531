package capture

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Preference is the last microphone that worked for a user, cached across
// sessions so reconnects land on the same hardware.
type Preference struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
}

type PrefStore interface {
	Load(ctx context.Context, userID string) (Preference, bool, error)
	Save(ctx context.Context, userID string, pref Preference) error
}

type MemoryPrefStore struct {
	mu    sync.RWMutex
	prefs map[string]Preference
}

func NewMemoryPrefStore() *MemoryPrefStore {
	return &MemoryPrefStore{prefs: make(map[string]Preference)}
}

func (s *MemoryPrefStore) Load(_ context.Context, userID string) (Preference, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	return p, ok, nil
}

func (s *MemoryPrefStore) Save(_ context.Context, userID string, pref Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = pref
	return nil
}

const (
	redisPrefKeyPrefix = "voicekit:micpref:"
	redisPrefTTL       = 30 * 24 * time.Hour
)

// RedisPrefStore persists device preferences in Redis so they survive
// client restarts and roam across machines sharing the backend.
type RedisPrefStore struct {
	client *redis.Client
}

func NewRedisPrefStore(client *redis.Client) *RedisPrefStore {
	return &RedisPrefStore{client: client}
}

func (s *RedisPrefStore) Load(ctx context.Context, userID string) (Preference, bool, error) {
	data, err := s.client.Get(ctx, redisPrefKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Preference{}, false, nil
	}
	if err != nil {
		return Preference{}, false, err
	}
	var pref Preference
	if err := json.Unmarshal(data, &pref); err != nil {
		return Preference{}, false, err
	}
	return pref, true, nil
}

func (s *RedisPrefStore) Save(ctx context.Context, userID string, pref Preference) error {
	data, err := json.Marshal(pref)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisPrefKeyPrefix+userID, data, redisPrefTTL).Err()
}
