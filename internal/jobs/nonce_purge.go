package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/config"
	"koresoft/device-identity/internal/metrics"
)

const purgeLockKey = "device-identity:jobs:nonce-purge"

// ChallengePurger is the slice of the store the purge job needs.
type ChallengePurger interface {
	PurgeChallenges(ctx context.Context, now, usedBefore time.Time) (int64, error)
}

// NoncePurge removes enrollment challenges that are expired, or used and
// older than the retention period.
type NoncePurge struct {
	store     ChallengePurger
	redis     *redis.Client
	owner     string
	interval  time.Duration
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewNoncePurge(cfg config.Config, store ChallengePurger, redisClient *redis.Client, logger *zap.Logger, m *metrics.Metrics) *NoncePurge {
	if logger == nil {
		logger = zap.NewNop()
	}
	retention := cfg.PurgeRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	timeout := cfg.PurgeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NoncePurge{
		store:     store,
		redis:     redisClient,
		owner:     uuid.NewString(),
		interval:  cfg.PurgeInterval,
		retention: retention,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger.With(zap.String("job", "nonce_purge")),
		metrics:   m,
	}
}

// RunOnce performs a single sweep. When another replica holds the Redis lock
// for this interval the sweep is skipped and ran is false.
func (p *NoncePurge) RunOnce(ctx context.Context) (removed int64, ran bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if !p.acquire(ctx) {
		return 0, false, nil
	}
	now := p.now().UTC()
	removed, err = p.store.PurgeChallenges(ctx, now, now.Add(-p.retention))
	if err != nil {
		return 0, true, err
	}
	return removed, true, nil
}

// acquire takes the cross-replica lock. Without Redis every replica sweeps;
// the delete is idempotent so that is only wasted work. A Redis failure also
// falls back to sweeping.
func (p *NoncePurge) acquire(ctx context.Context) bool {
	if p.redis == nil {
		return true
	}
	ttl := p.interval - p.interval/10
	if ttl <= 0 {
		ttl = p.timeout
	}
	ok, err := p.redis.SetNX(ctx, purgeLockKey, p.owner, ttl).Result()
	if err != nil {
		p.logger.Warn("purge lock unavailable, sweeping anyway", zap.Error(err))
		return true
	}
	return ok
}

// Start runs the sweep every interval until ctx is cancelled. The returned
// channel is closed once the loop has exited. A zero interval disables the
// job and the channel is returned closed.
func (p *NoncePurge) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if p.interval <= 0 {
		p.logger.Info("nonce purge disabled")
		close(done)
		return done
	}

	ticker := time.NewTicker(p.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
	return done
}

func (p *NoncePurge) tick(ctx context.Context) {
	removed, ran, err := p.RunOnce(ctx)
	if err != nil {
		p.metrics.PurgeFailed()
		p.logger.Error("nonce purge failed", zap.Error(err))
		return
	}
	if !ran {
		p.logger.Debug("nonce purge skipped, lock held elsewhere")
		return
	}
	p.metrics.ChallengesPurged(removed)
	if removed > 0 {
		p.logger.Info("nonce purge removed challenges", zap.Int64("removed", removed))
	}
}
