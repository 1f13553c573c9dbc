// Package ledger keeps the operator queue of mirror appends that did not land.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"snag-tracker/internal/config"
	"snag-tracker/internal/telemetry"
)

// Entry records one snag whose mirror row is missing or in doubt.
type Entry struct {
	SnagID     string    `json:"snag_id"`
	Identifier string    `json:"identifier"`
	Step       string    `json:"step"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Ledger is a Redis list of snag IDs in arrival order plus a hash of entry details.
// A snag appears at most once; recording it again refreshes the details in place.
type Ledger struct {
	client     redis.Cmdable
	listKey    string
	entriesKey string
}

// NewRedisClient builds the client used by the ledger and the submission throttle.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// New builds a ledger under key.
func New(client redis.Cmdable, key string) *Ledger {
	if key == "" {
		key = "mirror:unresolved"
	}
	return &Ledger{client: client, listKey: key, entriesKey: key + ":entries"}
}

// Record adds or refreshes the entry for e.SnagID.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.SnagID == "" {
		return errors.New("entry has no snag id")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal entry")
	}
	if err := recordScript.Run(ctx, l.client, []string{l.listKey, l.entriesKey}, e.SnagID, raw).Err(); err != nil {
		return errors.Wrap(err, "record entry")
	}
	return nil
}

// Peek reads up to count of the oldest entries. count <= 0 reads everything.
func (l *Ledger) Peek(ctx context.Context, count int64) ([]Entry, error) {
	ids, err := l.client.LRange(ctx, l.listKey, 0, count-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read ids")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := l.client.HMGet(ctx, l.entriesKey, ids...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read entries")
	}
	out := make([]Entry, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Details lost; keep the id so the operator can still act on it.
			out = append(out, Entry{SnagID: ids[i]})
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, errors.Wrapf(err, "decode entry %s", ids[i])
		}
		out = append(out, e)
	}
	return out, nil
}

// Remove drops the entry for snagID, if present.
func (l *Ledger) Remove(ctx context.Context, snagID string) error {
	pipe := l.client.TxPipeline()
	pipe.LRem(ctx, l.listKey, 0, snagID)
	pipe.HDel(ctx, l.entriesKey, snagID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "remove entry")
	}
	return nil
}

// Len returns the number of outstanding entries.
func (l *Ledger) Len(ctx context.Context) (int64, error) {
	n, err := l.client.LLen(ctx, l.listKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "ledger length")
	}
	return n, nil
}

// ReportDepth publishes the ledger length as a gauge every interval until ctx is done.
func (l *Ledger) ReportDepth(ctx context.Context, interval time.Duration, log logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := l.publishDepth(ctx); err != nil {
			log.WithError(err).Warn("ledger depth unavailable")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Ledger) publishDepth(ctx context.Context) error {
	n, err := l.Len(ctx)
	if err != nil {
		return err
	}
	telemetry.LedgerDepthGauge.Set(float64(n))
	return nil
}

var recordScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 1 then
  redis.call('RPUSH', KEYS[1], ARGV[1])
else
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
end
return 1
`)
