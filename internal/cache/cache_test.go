package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"researchline/internal/db/dbtest"
	"researchline/internal/domain"
)

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`)
	b := []byte("{\n  \"max_tokens\": 100,\n  \"messages\": [ {\"content\": \"hi\", \"role\": \"user\"} ],\n  \"model\": \"m\"\n}")
	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	fc, err := Fingerprint([]byte(`{"model":"m","messages":[],"max_tokens":101}`))
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)

	again, _ := Fingerprint(a)
	assert.Equal(t, fa, again)
}

func TestFingerprintRejectsInvalidJSON(t *testing.T) {
	_, err := Fingerprint([]byte(`{"a":`))
	assert.Error(t, err)
	_, err = Fingerprint([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestKeySeparatesScopes(t *testing.T) {
	k1 := Key("stage1", "AAA", "triage.v1", "fp")
	k2 := Key("stage2", "AAA", "triage.v1", "fp")
	k3 := Key("stage1", "AAAtriage.v1", "", "fp")
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, k1, Key("stage1", "AAA", "triage.v1", "fp"))
	assert.Contains(t, k1, "ck_")
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func entry(resp string) Entry {
	return Entry{
		Model:       "model-a",
		Key:         Key("stage1", "AAA", "scope", "fp"),
		Fingerprint: "fp",
		Request:     []byte(`{"q":1}`),
		Response:    []byte(resp),
		Usage:       domain.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func ttl(m int) *int { return &m }

func storeContract(t *testing.T, newStore func(t *testing.T) (Store, func(time.Duration))) {
	ctx := context.Background()

	t.Run("first writer wins", func(t *testing.T) {
		store, _ := newStore(t)
		clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		c := New(store, WithClock(clk.now))

		first, err := c.Store(ctx, entry(`{"text":"one"}`), StoreOptions{Context: "AAA"})
		require.NoError(t, err)
		second, err := c.Store(ctx, entry(`{"text":"two"}`), StoreOptions{})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.JSONEq(t, `{"text":"one"}`, second.ResponseJSON)

		got, ok, err := c.Lookup(ctx, "model-a", entry("").Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"text":"one"}`, got.ResponseJSON)
		assert.Equal(t, int64(10), got.Usage.InputTokens)
	})

	t.Run("concurrent stores collapse to one row", func(t *testing.T) {
		store, _ := newStore(t)
		c := New(store)
		var wg sync.WaitGroup
		results := make([]domain.CachedCompletion, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				row, err := c.Store(ctx, entry(`{"n":`+string(rune('0'+i))+`}`), StoreOptions{})
				assert.NoError(t, err)
				results[i] = row
			}(i)
		}
		wg.Wait()
		got, ok, err := c.Lookup(ctx, "model-a", entry("").Key)
		require.NoError(t, err)
		require.True(t, ok)
		for _, r := range results {
			assert.Equal(t, got.ID, r.ID)
			assert.Equal(t, got.ResponseJSON, r.ResponseJSON)
		}
	})

	t.Run("expired rows miss and are replaced", func(t *testing.T) {
		store, fastForward := newStore(t)
		clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		c := New(store, WithClock(clk.now))

		_, err := c.Store(ctx, entry(`{"v":"old"}`), StoreOptions{TTLMinutes: ttl(1)})
		require.NoError(t, err)
		_, ok, err := c.Lookup(ctx, "model-a", entry("").Key)
		require.NoError(t, err)
		assert.True(t, ok)

		clk.advance(2 * time.Minute)
		fastForward(2 * time.Minute)
		_, ok, err = c.Lookup(ctx, "model-a", entry("").Key)
		require.NoError(t, err)
		assert.False(t, ok)

		fresh, err := c.Store(ctx, entry(`{"v":"new"}`), StoreOptions{TTLMinutes: ttl(1)})
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"new"}`, fresh.ResponseJSON)
	})

	t.Run("mark hit is recorded after flush", func(t *testing.T) {
		store, _ := newStore(t)
		c := New(store)
		row, err := c.Store(ctx, entry(`{"v":1}`), StoreOptions{})
		require.NoError(t, err)
		c.MarkHit(row)
		c.MarkHit(row)
		c.Flush()
		got, ok, err := c.Lookup(ctx, "model-a", row.CacheKey)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), got.HitCount)
		assert.NotNil(t, got.LastHitAt)
		assert.Equal(t, row.ResponseJSON, got.ResponseJSON)
	})

	t.Run("miss", func(t *testing.T) {
		store, _ := newStore(t)
		_, ok, err := New(store).Lookup(ctx, "model-a", "ck_missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSQLStore(t *testing.T) {
	storeContract(t, func(t *testing.T) (Store, func(time.Duration)) {
		return SQLStore{DB: dbtest.Open(t)}, func(time.Duration) {}
	})
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) (Store, func(time.Duration)) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return &RedisStore{Client: client, Prefix: "test"}, mr.FastForward
	})
}

func TestStoreRequiresModelAndKey(t *testing.T) {
	c := New(SQLStore{DB: dbtest.Open(t)})
	_, err := c.Store(context.Background(), Entry{Model: "m"}, StoreOptions{})
	assert.Error(t, err)
}
