package capture

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisPrefStore_RoundTrip(t *testing.T) {
	store := NewRedisPrefStore(newTestRedis(t))
	ctx := context.Background()

	if _, ok, err := store.Load(ctx, "u1"); err != nil || ok {
		t.Fatalf("Load on empty store = %v, %v", ok, err)
	}

	want := Preference{DeviceID: "usb-3", Label: "USB Mic"}
	if err := store.Save(ctx, "u1", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := store.Load(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if got != want {
		t.Fatalf("pref = %+v, want %+v", got, want)
	}

	// Preferences are per user.
	if _, ok, _ := store.Load(ctx, "u2"); ok {
		t.Fatal("u2 should have no preference")
	}
}

func TestRedisPrefStore_OverwriteKeepsLatest(t *testing.T) {
	store := NewRedisPrefStore(newTestRedis(t))
	ctx := context.Background()

	if err := store.Save(ctx, "u1", Preference{DeviceID: "a", Label: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "u1", Preference{DeviceID: "b", Label: "B"}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Load(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if got.DeviceID != "b" {
		t.Fatalf("device = %q, want b", got.DeviceID)
	}
}
