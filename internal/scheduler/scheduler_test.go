package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/state"
)

type countingSweeper struct {
	mu          sync.Mutex
	localCalls  int
	sharedCalls int
	err         error
}

func (c *countingSweeper) SweepLocal(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localCalls++
	return 2, nil
}

func (c *countingSweeper) SweepShared(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharedCalls++
	return 1, c.err
}

func (c *countingSweeper) calls() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localCalls, c.sharedCalls
}

// fakeLocker mimics SetNX plus the compare-and-delete release script.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	releases int
	err      error
}

func (f *fakeLocker) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.held[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.held[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLocker) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if script != releaseScript || len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, errors.New("unexpected script call"))
	}
	if f.held[keys[0]] != args[0] {
		return redis.NewCmdResult(int64(0), nil)
	}
	delete(f.held, keys[0])
	return redis.NewCmdResult(int64(1), nil)
}

func TestRunOnceTakesAndReleasesLock(t *testing.T) {
	sw := &countingSweeper{}
	lk := &fakeLocker{held: map[string]string{}}
	s, err := New(sw, "0 * * * *", lk, time.Minute, nil)
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, lk.releases)
	assert.Empty(t, lk.held)
}

func TestRunOnceSweepsLocalTiersWhenLocked(t *testing.T) {
	sw := &countingSweeper{}
	lk := &fakeLocker{held: map[string]string{lockKey: "other-replica"}}
	s, err := New(sw, "@hourly", lk, time.Minute, nil)
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, 2, n)
	local, shared := sw.calls()
	assert.Equal(t, 1, local)
	assert.Zero(t, shared)
	assert.Equal(t, "other-replica", lk.held[lockKey])
}

func TestLockedOutReplicaClearsItsCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cache := state.NewMemoryTier()
	store := state.New(state.Options{
		Cache:  cache,
		Config: config.StateConfig{TTL: time.Hour},
		Now:    func() time.Time { return now },
	})
	store.Save(ctx, state.Key{UserID: 1, ChatID: 1, Kind: "add_machine"}, "model", nil)
	now = now.Add(2 * time.Hour)

	lk := &fakeLocker{held: map[string]string{lockKey: "other-replica"}}
	s, err := New(store, "@hourly", lk, time.Minute, nil)
	require.NoError(t, err)

	n, err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, 1, n)
	assert.Zero(t, cache.Len())
}

func TestRunOnceLeavesLockTakenOverByAnotherReplica(t *testing.T) {
	lk := &fakeLocker{held: map[string]string{}}
	sw := &takeoverSweeper{countingSweeper: &countingSweeper{}, lk: lk}
	s, err := New(sw, "@hourly", lk, time.Minute, nil)
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "other-replica", lk.held[lockKey], "lock owned by another replica survives our release")
}

// takeoverSweeper simulates our lock expiring mid-sweep and another replica
// acquiring it.
type takeoverSweeper struct {
	*countingSweeper
	lk *fakeLocker
}

func (t *takeoverSweeper) SweepShared(ctx context.Context) (int, error) {
	t.lk.mu.Lock()
	t.lk.held[lockKey] = "other-replica"
	t.lk.mu.Unlock()
	return t.countingSweeper.SweepShared(ctx)
}

func TestRunOnceLockError(t *testing.T) {
	sw := &countingSweeper{}
	s, err := New(sw, "@hourly", &fakeLocker{held: map[string]string{}, err: errors.New("redis down")}, 0, nil)
	require.NoError(t, err)
	n, err := s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "redis down")
	assert.Equal(t, 2, n)
	_, shared := sw.calls()
	assert.Zero(t, shared)
}

func TestRunOnceWithoutLocker(t *testing.T) {
	sw := &countingSweeper{err: errors.New("primary failed")}
	s, err := New(sw, "*/5 * * * *", nil, 0, nil)
	require.NoError(t, err)
	n, err := s.RunOnce(context.Background())
	assert.Equal(t, 3, n)
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	s, err := New(&countingSweeper{}, "0 * * * *", nil, 0, nil)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), s.Next(base))
}

func TestInvalidCron(t *testing.T) {
	_, err := New(&countingSweeper{}, "not a cron", nil, 0, nil)
	assert.Error(t, err)
}

func TestStartStopsOnCancel(t *testing.T) {
	sw := &countingSweeper{}
	s, err := New(sw, "* * * * * * *", nil, 0, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool {
		local, _ := sw.calls()
		return local > 0
	}, 3*time.Second, 50*time.Millisecond)
	cancel()
}
