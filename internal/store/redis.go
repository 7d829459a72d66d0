package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"schoolattend/internal/engine"
)

// Redis wraps the redis client used for the backup fallback store.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts; the backup write path
// must fail fast rather than stall a check-in.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// backupTTL keeps fallback copies around long enough for manual recovery
// without growing the keyspace forever.
const backupTTL = 14 * 24 * time.Hour

type backupEnvelope struct {
	Record  engine.Record `json:"record"`
	Reason  string        `json:"reason"`
	SavedAt time.Time     `json:"saved_at"`
}

// SaveBackup writes the independent second-fallback copy of a failed
// check-in, keyed per day so an operator can list one day's stranded rows.
func (r *Redis) SaveBackup(ctx context.Context, rec engine.Record, reason string) error {
	payload, err := json.Marshal(backupEnvelope{Record: rec, Reason: reason, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("backup encode: %w", err)
	}
	key := "attendance:backup:" + rec.Date
	field := rec.StudentID + "|" + rec.Shift
	if err := r.Client.HSet(ctx, key, field, payload).Err(); err != nil {
		return fmt.Errorf("backup write: %w", err)
	}
	return r.Client.Expire(ctx, key, backupTTL).Err()
}

// ListBackups returns the backup envelopes stranded on one date.
func (r *Redis) ListBackups(ctx context.Context, date string) ([]engine.Record, error) {
	vals, err := r.Client.HGetAll(ctx, "attendance:backup:"+date).Result()
	if err != nil {
		return nil, err
	}
	records := make([]engine.Record, 0, len(vals))
	for _, raw := range vals {
		var env backupEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		records = append(records, env.Record)
	}
	return records, nil
}
