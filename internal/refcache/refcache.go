// Package refcache serves the slow-changing reference lists (stores, categories,
// urgency levels) kept in the spreadsheet, with a TTL and stale/fallback degradation.
package refcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"snag-tracker/internal/telemetry"
)

// Key names a cached reference list.
type Key string

const (
	KeyStores     Key = "stores"
	KeyCategories Key = "categories"
	KeyUrgency    Key = "urgency"
)

// Keys lists every cached reference list.
var Keys = []Key{KeyStores, KeyCategories, KeyUrgency}

// ErrUnknownKey is returned by ParseKey.
var ErrUnknownKey = errors.New("unknown reference list")

// ParseKey validates a list name.
func ParseKey(s string) (Key, error) {
	for _, k := range Keys {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownKey, "%q", s)
}

// Row is one reference value. Address and Code are only set for stores.
type Row struct {
	Value   string `json:"value"`
	Address string `json:"address,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Result is what Get hands out. Rows must not be mutated by callers.
type Result struct {
	Key       Key       `json:"key"`
	Rows      []Row     `json:"rows"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
	Fallback  bool      `json:"fallback"`
}

// Values returns the row values in order.
func (r Result) Values() []string {
	out := make([]string, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.Value
	}
	return out
}

// Contains reports whether value is one of the rows.
func (r Result) Contains(value string) bool {
	for _, row := range r.Rows {
		if row.Value == value {
			return true
		}
	}
	return false
}

// Reader fetches a worksheet as rows of cells, header first.
type Reader interface {
	ReadWorksheet(ctx context.Context, name string) ([][]string, error)
}

type entry struct {
	rows      []Row
	fetchedAt time.Time
}

// Cache is safe for concurrent use. Entries are replaced wholesale, so readers
// see either the old or the new list, never a mix. Concurrent refreshes of the
// same key race and the last writer wins.
type Cache struct {
	reader  Reader
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
	entries map[Key]*atomic.Pointer[entry]
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithFetchTimeout bounds each upstream read.
func WithFetchTimeout(d time.Duration) Option { return func(c *Cache) { c.timeout = d } }

// New builds a cache over reader. ttl <= 0 means one hour.
func New(reader Reader, ttl time.Duration, log logrus.FieldLogger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		reader:  reader,
		ttl:     ttl,
		now:     time.Now,
		log:     log,
		entries: make(map[Key]*atomic.Pointer[entry], len(Keys)),
	}
	for _, k := range Keys {
		c.entries[k] = &atomic.Pointer[entry]{}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the list for key. It never fails: a failed refresh serves the
// expired entry (Stale) or, with nothing cached, the built-in list (Fallback).
func (c *Cache) Get(ctx context.Context, key Key) Result {
	slot, ok := c.entries[key]
	if !ok {
		return Result{Key: key, Fallback: true}
	}

	cur := slot.Load()
	now := c.now()
	if cur != nil && now.Sub(cur.fetchedAt) < c.ttl {
		return Result{Key: key, Rows: cur.rows, FetchedAt: cur.fetchedAt}
	}

	rows, err := c.fetch(ctx, key)
	if err == nil {
		telemetry.RefCacheFetches.WithLabelValues(string(key), "ok").Inc()
		fresh := &entry{rows: rows, fetchedAt: now}
		slot.Store(fresh)
		return Result{Key: key, Rows: fresh.rows, FetchedAt: fresh.fetchedAt}
	}
	telemetry.RefCacheFetches.WithLabelValues(string(key), "error").Inc()

	log := c.log.WithError(err).WithField("list", key)
	if cur != nil {
		telemetry.RefCacheStale.WithLabelValues(string(key)).Inc()
		log.WithField("age", now.Sub(cur.fetchedAt).String()).Warn("reference list refresh failed, serving stale copy")
		return Result{Key: key, Rows: cur.rows, FetchedAt: cur.fetchedAt, Stale: true}
	}
	telemetry.RefCacheFallback.WithLabelValues(string(key)).Inc()
	log.Error("reference list unavailable, serving built-in fallback")
	return Result{Key: key, Rows: fallbackRows(key), Fallback: true}
}

// Invalidate drops the entry for key; the next Get refetches.
func (c *Cache) Invalidate(key Key) {
	if slot, ok := c.entries[key]; ok {
		slot.Store(nil)
	}
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	for _, slot := range c.entries {
		slot.Store(nil)
	}
}

func (c *Cache) fetch(ctx context.Context, key Key) ([]Row, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	schema := schemas[key]
	raw, err := c.reader.ReadWorksheet(ctx, schema.worksheet)
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", schema.worksheet)
	}
	return schema.parse(raw)
}
