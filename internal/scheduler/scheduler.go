// Package scheduler drives the monthly credit drip for annual subscriptions.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hexwaveai-gc/hexwave.ai-sub002/pkg/credits"
)

const (
	defaultRunInterval = time.Hour
	defaultBatchSize   = 100
)

// Config tunes the drip loop.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
}

func (cfg Config) withDefaults() Config {
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = defaultRunInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return cfg
}

// Scheduler periodically grants due monthly credits.
//
// Each tick is idempotent: ProcessMonthlyCredits dedups on a per-due-date
// key, so overlapping or retried ticks cannot double-grant.
type Scheduler struct {
	service *credits.Service
	store   credits.Store
	log     *zap.Logger
	cfg     Config
	nowFn   func() int64
}

// New wires a Scheduler.
func New(service *credits.Service, store credits.Store, log *zap.Logger, cfg Config) (*Scheduler, error) {
	if service == nil || store == nil || log == nil {
		return nil, errors.New("scheduler: missing dependency")
	}
	return &Scheduler{
		service: service,
		store:   store,
		log:     log.Named("scheduler"),
		cfg:     cfg.withDefaults(),
		nowFn:   func() int64 { return time.Now().UTC().Unix() },
	}, nil
}

// RunOnce processes every due schedule, batching until the queue drains.
func (scheduler *Scheduler) RunOnce(ctx context.Context) error {
	now := scheduler.nowFn()
	var jobErr error
	granted := 0

	// Schedules that fail or are skipped stay in the due set, so each fetch
	// widens by the number of users already handled; stuck rows at the front
	// of the ordering then cannot hide due users behind them.
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		userIDs, err := scheduler.store.ListDueCreditSchedules(ctx, now, scheduler.cfg.BatchSize+len(seen))
		if err != nil {
			return errors.Join(jobErr, err)
		}
		fresh := 0
		for _, rawUserID := range userIDs {
			if _, handled := seen[rawUserID]; handled {
				continue
			}
			seen[rawUserID] = struct{}{}
			fresh++
			userID, err := credits.NewUserID(rawUserID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			result, err := scheduler.service.ProcessMonthlyCredits(ctx, userID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				scheduler.log.Warn("monthly credit grant failed",
					zap.String("user_id", rawUserID),
					zap.Error(err))
				continue
			}
			if result.Outcome == credits.MonthlyOutcomeGranted {
				granted++
			}
			scheduler.log.Debug("monthly schedule evaluated",
				zap.String("user_id", rawUserID),
				zap.String("outcome", string(result.Outcome)),
				zap.Int64("next_credit_date", result.NextCreditDate))
		}
		// No unseen users means the due set is drained or fully handled.
		if fresh == 0 {
			break
		}
	}

	if granted > 0 {
		scheduler.log.Info("monthly credits granted", zap.Int("users", granted))
	}
	return jobErr
}

// RunForever ticks RunOnce until the context is canceled.
func (scheduler *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(scheduler.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := scheduler.RunOnce(ctx); err != nil && ctx.Err() == nil {
			scheduler.log.Warn("drip run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
