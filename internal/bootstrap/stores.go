package bootstrap

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/lumenlearn/voicekit/internal/capture"
	"github.com/lumenlearn/voicekit/internal/telemetry"
)

func ProvidePrefStore(redisClient *redis.Client) capture.PrefStore {
	return capture.NewRedisPrefStore(redisClient)
}

// ProvideEventStore hands out a nil store when Postgres is not configured.
func ProvideEventStore(db *gorm.DB) *telemetry.EventStore {
	if db == nil {
		return nil
	}
	return telemetry.NewEventStore(db)
}

func RunMigrations(events *telemetry.EventStore) error {
	return events.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvidePrefStore,
		ProvideEventStore,
	),
	fx.Invoke(RunMigrations),
)
