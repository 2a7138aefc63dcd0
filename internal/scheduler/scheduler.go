// Package scheduler runs the periodic conversation state sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

const lockKey = "rivet:sched:lock:sweep"

// releaseScript deletes the lock only while it still carries our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// ErrLocked is returned by RunOnce when another instance holds the sweep
// lock. The local tiers were still swept.
var ErrLocked = errors.New("scheduler: shared sweep already running elsewhere")

// Sweeper removes expired conversation state. *state.Store satisfies it.
// SweepLocal covers tiers owned by this process, SweepShared the tier every
// replica shares.
type Sweeper interface {
	SweepLocal(ctx context.Context) (int, error)
	SweepShared(ctx context.Context) (int, error)
}

// Locker is the slice of the redis client used for the distributed lock.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type Scheduler struct {
	sweeper Sweeper
	expr    *cronexpr.Expression
	locker  Locker
	lockTTL time.Duration
	logger  *log.Logger
	now     func() time.Time
}

// New parses cronExpr (standard 5-field cron, or @hourly/@daily). locker may be
// nil for a single instance deployment.
func New(sweeper Sweeper, cronExpr string, locker Locker, lockTTL time.Duration, logger *log.Logger) (*Scheduler, error) {
	expr, err := cronexpr.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep cron %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[SCHED] ", log.LstdFlags)
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Scheduler{sweeper: sweeper, expr: expr, locker: locker, lockTTL: lockTTL, logger: logger, now: time.Now}, nil
}

// Next returns the first fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.expr.Next(t)
}

// Start runs sweeps on schedule until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		for {
			next := s.Next(s.now())
			if next.IsZero() {
				s.logger.Printf("cron expression has no future fire time; scheduler stopped")
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrLocked) {
					s.logger.Printf("sweep: %v", err)
				}
			}
		}
	}()
}

// RunOnce sweeps this replica's local tiers, then the shared tier under the
// distributed lock. When the lock is held elsewhere it returns the local
// count with ErrLocked.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := s.now()
	n, err := s.sweeper.SweepLocal(ctx)
	if err != nil {
		s.logger.Printf("local sweep: %v", err)
	}

	shared, sharedErr := s.sweepShared(ctx)
	n += shared
	s.logger.Printf("sweep removed %d expired records in %s", n, s.now().Sub(start).Round(time.Millisecond))
	return n, errors.Join(err, sharedErr)
}

func (s *Scheduler) sweepShared(ctx context.Context) (int, error) {
	if s.locker == nil {
		return s.sweeper.SweepShared(ctx)
	}
	token := uuid.NewString()
	ok, err := s.locker.SetNX(ctx, lockKey, token, s.lockTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		s.logger.Printf("shared sweep skipped: lock held")
		return 0, ErrLocked
	}
	defer s.release(context.WithoutCancel(ctx), token)
	return s.sweeper.SweepShared(ctx)
}

func (s *Scheduler) release(ctx context.Context, token string) {
	released, err := s.locker.Eval(ctx, releaseScript, []string{lockKey}, token).Int()
	switch {
	case err != nil:
		s.logger.Printf("release sweep lock: %v", err)
	case released == 0:
		s.logger.Printf("sweep lock expired before release; left to its new owner")
	}
}
