// Package scheduler runs the periodic loop that retires stale test requests
// and enqueues fresh ones for idle workers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openzim/mirrors-qa/backend/internal/db"
	"github.com/openzim/mirrors-qa/backend/pkg/api"
)

const (
	defaultSleepDuration      = 3 * time.Hour
	defaultIdleWorkerDuration = time.Hour
	defaultExpireTestDuration = 24 * time.Hour
)

type Config struct {
	// SleepDuration is the pause between ticks.
	SleepDuration time.Duration

	// IdleWorkerDuration is how long a worker must go without reporting
	// before it is considered idle and eligible for new tests.
	IdleWorkerDuration time.Duration

	// ExpireTestDuration is how long a PENDING test may wait before it is
	// marked MISSED.
	ExpireTestDuration time.Duration

	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.SleepDuration <= 0 {
		c.SleepDuration = defaultSleepDuration
	}
	if c.IdleWorkerDuration <= 0 {
		c.IdleWorkerDuration = defaultIdleWorkerDuration
	}
	if c.ExpireTestDuration <= 0 {
		c.ExpireTestDuration = defaultExpireTestDuration
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Scheduler struct {
	log   *slog.Logger
	cfg   Config
	store *db.Store
}

func New(log *slog.Logger, cfg Config, store *db.Store) (*Scheduler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: log, cfg: cfg, store: store}, nil
}

// Run ticks once immediately, then on every sleep interval until ctx is
// canceled. A failed tick is logged and the loop carries on; the next tick
// starts from a clean transaction.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		"sleep", s.cfg.SleepDuration,
		"idle_worker", s.cfg.IdleWorkerDuration,
		"expire_test", s.cfg.ExpireTestDuration,
	)

	if err := s.Tick(ctx); err != nil {
		TickErrorsTotal.Inc()
		s.log.Error("scheduler tick failed", "error", err)
	}

	ticker := s.cfg.Clock.NewTicker(s.cfg.SleepDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.Chan():
			if err := s.Tick(ctx); err != nil {
				TickErrorsTotal.Inc()
				s.log.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick runs one scheduling pass in a single transaction: expire overdue
// PENDING tests, then fan out new ones over every idle worker's countries
// and the currently enabled mirrors. Workers that still have PENDING tests
// are skipped, which is the only guard against double-booking.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.cfg.Clock.Now().UTC()

	var expired, created int
	err := s.store.InTx(ctx, func(tx *db.Store) error {
		expiredTests, err := tx.ExpireTests(ctx, now.Add(-s.cfg.ExpireTestDuration))
		if err != nil {
			return err
		}
		for _, t := range expiredTests {
			s.log.Info("test expired", "test", t.ID, "worker", t.WorkerID,
				"country", t.CountryCode, "requested_on", t.RequestedOn)
		}
		expired = len(expiredTests)

		idle, err := tx.ListIdleWorkers(ctx, now.Add(-s.cfg.IdleWorkerDuration))
		if err != nil {
			return err
		}
		if len(idle) == 0 {
			s.log.Info("no idle workers")
			return nil
		}

		mirrors, err := tx.ListEnabledMirrors(ctx)
		if err != nil {
			return err
		}
		if len(mirrors) == 0 {
			s.log.Warn("no enabled mirrors, nothing to schedule")
			return nil
		}

		for _, worker := range idle {
			pending, err := tx.CountPendingTests(ctx, worker.ID)
			if err != nil {
				return err
			}
			if pending > 0 {
				s.log.Debug("worker still has pending tests", "worker", worker.ID, "pending", pending)
				continue
			}

			countries, err := tx.WorkerCountries(ctx, worker.ID)
			if err != nil {
				return err
			}
			if len(countries) == 0 {
				s.log.Debug("worker has no assigned countries", "worker", worker.ID)
				continue
			}

			for _, country := range countries {
				for _, mirror := range mirrors {
					test, err := tx.CreateTest(ctx, db.Test{
						RequestedOn: now,
						Status:      api.StatusPending,
						WorkerID:    worker.ID,
						MirrorURL:   mirror.BaseURL,
						CountryCode: country.Code,
					})
					if err != nil {
						return err
					}
					s.log.Info("test created", "test", test.ID, "worker", worker.ID,
						"country", country.Code, "mirror", mirror.ID)
					created++
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	TestsExpiredTotal.Add(float64(expired))
	TestsCreatedTotal.Add(float64(created))
	s.log.Info("scheduler tick complete", "expired", expired, "created", created)
	return nil
}
