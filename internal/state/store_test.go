package state

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyTier is a memory-backed tier whose calls can be forced to fail.
type flakyTier struct {
	*MemoryTier
	name    TierName
	failing atomic.Bool
	puts    atomic.Int32
}

func newFlakyTier(name TierName) *flakyTier {
	return &flakyTier{MemoryTier: NewMemoryTier(), name: name}
}

var errDown = errors.New("tier down")

func (f *flakyTier) Name() TierName { return f.name }

func (f *flakyTier) Put(ctx context.Context, rec Record) error {
	f.puts.Add(1)
	if f.failing.Load() {
		return tierErr(f.name, "upsert", errDown)
	}
	return f.MemoryTier.Put(ctx, rec)
}

func (f *flakyTier) Get(ctx context.Context, key Key, now time.Time) (Record, bool, error) {
	if f.failing.Load() {
		return Record{}, false, tierErr(f.name, "get", errDown)
	}
	return f.MemoryTier.Get(ctx, key, now)
}

func (f *flakyTier) Delete(ctx context.Context, key Key) error {
	if f.failing.Load() {
		return tierErr(f.name, "delete", errDown)
	}
	return f.MemoryTier.Delete(ctx, key)
}

func (f *flakyTier) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if f.failing.Load() {
		return 0, tierErr(f.name, "sweep", errDown)
	}
	return f.MemoryTier.DeleteExpired(ctx, now)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store     *Store
	primary   *flakyTier
	secondary Tier
	cache     *MemoryTier
	clock     *clock
	logs      *bytes.Buffer
}

func newFixture(t *testing.T, secondary Tier) *fixture {
	t.Helper()
	f := &fixture{
		primary:   newFlakyTier(TierPrimary),
		secondary: secondary,
		cache:     NewMemoryTier(),
		clock:     &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		logs:      &bytes.Buffer{},
	}
	f.store = New(Options{
		Primary:   f.primary,
		Secondary: secondary,
		Cache:     f.cache,
		Config:    config.StateConfig{PrimaryBackoff: time.Millisecond, PrimaryTimeout: time.Second},
		Logger:    log.New(f.logs, "[STATE] ", 0),
		Now:       f.clock.Now,
	})
	return f
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTestSQLite(t))

	data := map[string]any{"nickname": "chiller", "manufacturer": nil}
	res := f.store.Save(ctx, testKey, "model", data)
	require.True(t, res.OK())
	assert.True(t, res.Durable)
	assert.Equal(t, TierPrimary, res.Tier)
	assert.NoError(t, res.Err)

	rec, ok := f.store.Load(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "model", rec.Step)
	assert.Equal(t, data, rec.Data)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), rec.ExpiresAt)
}

func TestStoreSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sqlite := openTestSQLite(t)
	f := newFixture(t, sqlite)
	f.primary.failing.Store(true)

	for i := 0; i < 2; i++ {
		res := f.store.Save(ctx, testKey, "model", map[string]any{"nickname": "lathe"})
		require.Equal(t, TierSecondary, res.Tier)
	}
	n, err := sqlite.Count(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.cache.Len())
}

func TestStoreConcurrentSavesKeepOneRow(t *testing.T) {
	ctx := context.Background()
	sqlite := openTestSQLite(t)
	f := newFixture(t, sqlite)
	f.primary.failing.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.store.Save(ctx, testKey, "model", map[string]any{"nickname": "drill"})
		}()
	}
	wg.Wait()

	n, err := sqlite.Count(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.primary.Len(), "primary never accepted a row")
	assert.Equal(t, 1, f.cache.Len())
}

func TestStoreFallsBackToSecondary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, openTestSQLite(t))
	f.primary.failing.Store(true)

	data := map[string]any{"nickname": "compressor"}
	res := f.store.Save(ctx, testKey, "manufacturer", data)
	require.True(t, res.OK())
	assert.Equal(t, TierSecondary, res.Tier)
	assert.True(t, res.Durable)
	assert.EqualValues(t, 3, f.primary.puts.Load(), "primary should be retried three times")

	// a restart loses the cache; the secondary still has the dialog
	require.NoError(t, f.cache.Delete(ctx, testKey))
	rec, ok := f.store.Load(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "manufacturer", rec.Step)
	assert.Equal(t, data, rec.Data)

	_, cached, _ := f.cache.Get(ctx, testKey, f.clock.Now())
	assert.True(t, cached, "a durable hit refreshes the cache")
}

func TestStoreSoftSuccessWhenAllDurableTiersFail(t *testing.T) {
	ctx := context.Background()
	secondary := newFlakyTier(TierSecondary)
	secondary.failing.Store(true)
	f := newFixture(t, secondary)
	f.primary.failing.Store(true)

	res := f.store.Save(ctx, testKey, "model", map[string]any{"nickname": "mixer"})
	assert.True(t, res.OK())
	assert.True(t, res.Soft())
	assert.False(t, res.Durable)
	assert.ErrorIs(t, res.Err, ErrAllTiersFailed)
	assert.ErrorIs(t, res.Err, ErrTierUnavailable)
	assert.Contains(t, f.logs.String(), "durability risk")

	rec, ok := f.store.Load(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "mixer", rec.Data["nickname"])
}

func TestStoreLoadPrefersPrimary(t *testing.T) {
	ctx := context.Background()
	secondary := newFlakyTier(TierSecondary)
	f := newFixture(t, secondary)
	now := f.clock.Now()

	require.NoError(t, secondary.MemoryTier.Put(ctx, testRecord(now, "nickname", nil)))
	require.NoError(t, f.primary.MemoryTier.Put(ctx, testRecord(now, "location", nil)))

	rec, ok := f.store.Load(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "location", rec.Step)

	f.primary.failing.Store(true)
	rec, ok = f.store.Load(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "nickname", rec.Step)
}

func TestStoreExpiry(t *testing.T) {
	ctx := context.Background()
	sqlite := openTestSQLite(t)
	f := newFixture(t, sqlite)

	f.primary.failing.Store(true)
	f.store.Save(ctx, testKey, "model", map[string]any{"nickname": "a"})
	f.primary.failing.Store(false)
	other := Key{UserID: 9, ChatID: 9, Kind: "add_machine"}
	f.store.Save(ctx, other, "model", map[string]any{"nickname": "b"})

	f.clock.Advance(24*time.Hour + time.Minute)
	_, ok := f.store.Load(ctx, testKey)
	assert.False(t, ok)
	_, ok = f.store.Load(ctx, other)
	assert.False(t, ok)

	// testKey: cache + secondary, other: cache + primary
	n, err := f.store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Zero(t, f.cache.Len())
	assert.Zero(t, f.primary.Len())
}

func TestStoreSaveRefreshesExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.store.Save(ctx, testKey, "nickname", nil)
	f.clock.Advance(20 * time.Hour)
	f.store.Save(ctx, testKey, "manufacturer", map[string]any{"nickname": "x"})
	f.clock.Advance(20 * time.Hour)

	rec, ok := f.store.Load(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "manufacturer", rec.Step)
	assert.True(t, rec.CreatedAt.Before(rec.UpdatedAt), "created_at survives the upsert")
}

func TestStoreSweepReportsFailingTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.store.Save(ctx, testKey, "model", nil)
	f.clock.Advance(48 * time.Hour)
	f.primary.failing.Store(true)

	n, err := f.store.SweepExpired(ctx)
	assert.Equal(t, 1, n, "cache entry still swept")
	assert.ErrorIs(t, err, ErrTierUnavailable)
}

func TestStoreClearRemovesEveryTier(t *testing.T) {
	ctx := context.Background()
	secondary := newFlakyTier(TierSecondary)
	f := newFixture(t, secondary)
	now := f.clock.Now()
	require.NoError(t, secondary.MemoryTier.Put(ctx, testRecord(now, "model", nil)))
	f.store.Save(ctx, testKey, "model", nil)

	require.NoError(t, f.store.Clear(ctx, testKey))
	_, ok := f.store.Load(ctx, testKey)
	assert.False(t, ok)
	assert.Zero(t, secondary.Len())
	assert.Zero(t, f.primary.Len())
	assert.Zero(t, f.cache.Len())
}

func TestStoreRejectsInvalidKey(t *testing.T) {
	f := newFixture(t, nil)
	res := f.store.Save(context.Background(), Key{UserID: 1}, "x", nil)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, ErrInvalidKey)
	assert.ErrorIs(t, f.store.Clear(context.Background(), Key{}), ErrInvalidKey)
}

func TestStorePrimaryWriteEvictsStaleSecondaryCopy(t *testing.T) {
	ctx := context.Background()
	secondary := newFlakyTier(TierSecondary)
	f := newFixture(t, secondary)

	f.primary.failing.Store(true)
	res := f.store.Save(ctx, testKey, "manufacturer", map[string]any{"nickname": "pump"})
	require.Equal(t, TierSecondary, res.Tier)

	f.primary.failing.Store(false)
	f.clock.Advance(time.Minute)
	res = f.store.Save(ctx, testKey, "model", map[string]any{"nickname": "pump", "manufacturer": "Grundfos"})
	require.Equal(t, TierPrimary, res.Tier)
	assert.Zero(t, secondary.Len(), "fallback copy dropped once the primary has the dialog")

	f.primary.failing.Store(true)
	rec, ok := f.store.Load(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "model", rec.Step)
}

func TestStoreLoadPrefersNewerCacheOverSecondary(t *testing.T) {
	ctx := context.Background()
	secondary := newFlakyTier(TierSecondary)
	f := newFixture(t, secondary)
	now := f.clock.Now()

	require.NoError(t, secondary.MemoryTier.Put(ctx, testRecord(now, "manufacturer", nil)))
	newer := testRecord(now.Add(time.Minute), "model", nil)
	require.NoError(t, f.cache.Put(ctx, newer))
	f.primary.failing.Store(true)

	rec, ok := f.store.Load(ctx, testKey)
	require.True(t, ok)
	assert.Equal(t, "model", rec.Step)
}

func TestStoreSweepLocalLeavesPrimary(t *testing.T) {
	ctx := context.Background()
	secondary := newFlakyTier(TierSecondary)
	f := newFixture(t, secondary)
	now := f.clock.Now()

	require.NoError(t, secondary.MemoryTier.Put(ctx, testRecord(now, "model", nil)))
	f.store.Save(ctx, Key{UserID: 9, ChatID: 9, Kind: "add_machine"}, "model", nil)
	f.clock.Advance(48 * time.Hour)

	n, err := f.store.SweepLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "cache entry and secondary row")
	assert.Zero(t, secondary.Len())
	assert.Zero(t, f.cache.Len())
	assert.Equal(t, 1, f.primary.Len())

	n, err = f.store.SweepShared(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.primary.Len())
}
