package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bobarin/narrator/internal/models"
)

const redisKeyPrefix = "calibration:"

// RedisStore caches records in redis in front of a durable Store, so
// concurrent jobs on different workers share calibrations. Writes go to the
// backing store first; redis failures are logged and never fail a call.
// Concurrent writers for the same key resolve last-writer-wins.
type RedisStore struct {
	client  redis.Cmdable
	backing Store
	ttl     time.Duration
}

func NewRedisStore(client redis.Cmdable, backing Store, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, backing: backing, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key models.CalibrationKey) (*models.CalibrationRecord, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	switch {
	case err == nil:
		var rec models.CalibrationRecord
		if jerr := json.Unmarshal(raw, &rec); jerr == nil {
			return &rec, nil
		}
		log.Printf("[Calibration] WARNING: corrupt cache entry for %s, reloading", key)
	case errors.Is(err, redis.Nil):
	default:
		log.Printf("[Calibration] WARNING: redis get %s failed: %v", key, err)
	}

	if s.backing == nil {
		return nil, ErrNotFound
	}
	rec, err := s.backing.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, rec)
	return rec, nil
}

func (s *RedisStore) Set(ctx context.Context, rec *models.CalibrationRecord) error {
	if s.backing != nil {
		if err := s.backing.Set(ctx, rec); err != nil {
			return err
		}
	}
	s.cache(ctx, rec)
	return nil
}

func (s *RedisStore) cache(ctx context.Context, rec *models.CalibrationRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.Key().String(), data, s.ttl).Err(); err != nil {
		log.Printf("[Calibration] WARNING: redis set %s failed: %v", rec.Key(), err)
	}
}
