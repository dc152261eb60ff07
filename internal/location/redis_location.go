package location

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-lifecycle/internal/models"
	"github.com/example/carpool-lifecycle/internal/rideerr"
)

// GeoStore is the subset of *redis.Client the provider needs.
type GeoStore interface {
	GeoPos(ctx context.Context, key string, members ...string) *redis.GeoPosCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisProvider reads the last fix a device published (see cmd/consumer)
// from a Redis GEO set. Fixes older than MaxAge count as unavailable.
type RedisProvider struct {
	store    GeoStore
	key      string
	deviceID string
	MaxAge   time.Duration
	now      func() time.Time
}

func NewRedisProvider(store GeoStore, key, deviceID string) *RedisProvider {
	return &RedisProvider{store: store, key: key, deviceID: deviceID, MaxAge: 2 * time.Minute, now: time.Now}
}

// ForDevice returns a provider reading another device from the same set.
func (r *RedisProvider) ForDevice(deviceID string) *RedisProvider {
	cp := *r
	cp.deviceID = deviceID
	return &cp
}

func (r *RedisProvider) CurrentCoordinates(ctx context.Context) (models.Coord, error) {
	meta, err := r.store.HGetAll(ctx, MetaKey(r.deviceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Coord{}, rideerr.Wrap("location", rideerr.ErrLocationUnavailable, err)
	}
	if meta["permission"] == "denied" {
		return models.Coord{}, rideerr.New("location", rideerr.ErrPermissionDenied, "device has not granted location permission")
	}
	if v, ok := meta["updated"]; ok && r.MaxAge > 0 {
		if ts, err := time.Parse(time.RFC3339, v); err == nil && r.now().Sub(ts) > r.MaxAge {
			return models.Coord{}, rideerr.New("location", rideerr.ErrLocationUnavailable, "last fix is stale")
		}
	}

	pos, err := r.store.GeoPos(ctx, r.key, r.deviceID).Result()
	if err != nil {
		return models.Coord{}, rideerr.Wrap("location", rideerr.ErrLocationUnavailable, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Coord{}, rideerr.New("location", rideerr.ErrLocationUnavailable, "no fix for device "+r.deviceID)
	}
	return models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}, nil
}

// MetaFields is what the consumer stores next to a fix.
func MetaFields(fix models.DeviceFix) map[string]interface{} {
	perm := "granted"
	if fix.PermissionDenied {
		perm = "denied"
	}
	updated := fix.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return map[string]interface{}{
		"permission": perm,
		"updated":    updated.UTC().Format(time.RFC3339),
		"lat":        strconv.FormatFloat(fix.Loc.Lat, 'f', 6, 64),
		"lon":        strconv.FormatFloat(fix.Loc.Lon, 'f', 6, 64),
	}
}

func MetaKey(deviceID string) string { return "device:meta:" + deviceID }
