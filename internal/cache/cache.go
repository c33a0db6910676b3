// Package cache is the content-addressed completion cache. Rows are keyed by
// (model, cache key); the first writer wins until the row expires.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"researchline/internal/domain"
	"researchline/internal/logger"
	"researchline/internal/metrics"
)

// ErrMiss is returned by stores when no row exists for (model, key).
var ErrMiss = errors.New("cache miss")

// Store is the persistence behind a Cache.
type Store interface {
	// Get returns the row for (model, key), expired or not, or ErrMiss.
	Get(ctx context.Context, model, key string) (domain.CachedCompletion, error)
	// PutIfAbsent inserts row unless an unexpired row already exists at now,
	// and returns whichever row is authoritative afterwards.
	PutIfAbsent(ctx context.Context, row domain.CachedCompletion, now time.Time) (domain.CachedCompletion, error)
	// IncrementHit bumps hit_count and last_hit_at.
	IncrementHit(ctx context.Context, row domain.CachedCompletion, at time.Time) error
}

// Entry is one provider exchange to remember.
type Entry struct {
	Model       string
	Key         string
	Fingerprint string
	Request     json.RawMessage
	Response    json.RawMessage
	Usage       domain.Usage
}

type StoreOptions struct {
	// TTLMinutes nil means the row never expires.
	TTLMinutes *int
	Context    string
}

type Cache struct {
	store   Store
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	hitTimeout time.Duration
	pending    sync.WaitGroup
}

type Option func(*Cache)

func WithLogger(l logger.Logger) Option { return func(c *Cache) { c.log = logger.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		log:        logger.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		hitTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the unexpired row for (model, key). ok is false on a miss.
func (c *Cache) Lookup(ctx context.Context, model, key string) (domain.CachedCompletion, bool, error) {
	row, err := c.store.Get(ctx, model, key)
	if errors.Is(err, ErrMiss) {
		c.metrics.CacheLookup("miss")
		return domain.CachedCompletion{}, false, nil
	}
	if err != nil {
		return domain.CachedCompletion{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	if row.Expired(c.now()) {
		c.metrics.CacheLookup("expired")
		return domain.CachedCompletion{}, false, nil
	}
	c.metrics.CacheLookup("hit")
	return row, true, nil
}

// Store records e and returns the authoritative row, which is e's row unless a
// concurrent writer got there first.
func (c *Cache) Store(ctx context.Context, e Entry, opts StoreOptions) (domain.CachedCompletion, error) {
	if e.Model == "" || e.Key == "" {
		return domain.CachedCompletion{}, errors.New("cache store: model and key are required")
	}
	now := c.now()
	row := domain.CachedCompletion{
		ID:           uuid.NewString(),
		Model:        e.Model,
		CacheKey:     e.Key,
		Fingerprint:  e.Fingerprint,
		RequestJSON:  string(e.Request),
		ResponseJSON: string(e.Response),
		Usage:        e.Usage,
		Context:      opts.Context,
		CreatedAt:    now,
	}
	if opts.TTLMinutes != nil && *opts.TTLMinutes > 0 {
		exp := now.Add(time.Duration(*opts.TTLMinutes) * time.Minute)
		row.ExpiresAt = &exp
	}
	got, err := c.store.PutIfAbsent(ctx, row, now)
	if err != nil {
		return domain.CachedCompletion{}, fmt.Errorf("cache store: %w", err)
	}
	if got.ID == row.ID {
		c.metrics.CacheStore("stored")
	} else {
		c.metrics.CacheStore("existing")
	}
	return got, nil
}

// MarkHit records a hit in the background. Failures are logged and dropped.
func (c *Cache) MarkHit(row domain.CachedCompletion) {
	at := c.now()
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.hitTimeout)
		defer cancel()
		if err := c.store.IncrementHit(ctx, row, at); err != nil {
			c.log.Warn("cache hit not recorded",
				logger.String("cache_id", row.ID),
				logger.String("model", row.Model),
				logger.Error(err))
		}
	}()
}

// Flush waits for outstanding MarkHit writes.
func (c *Cache) Flush() {
	c.pending.Wait()
}
