// Package retention prunes aged rows on a cron schedule: old validation
// records past their analytical usefulness, and long-expired blacklist
// entries whose offense history no longer matters.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/erfianugrah/forminator-sub000/pkg/store"
)

// Sweeper runs the scheduled purges.
type Sweeper struct {
	validations *store.ValidationStore
	blacklist   *store.BlacklistStore

	validationAge time.Duration
	blacklistAge  time.Duration

	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Sweeper. Ages are in days, as configured.
func New(validations *store.ValidationStore, blacklist *store.BlacklistStore, validationDays, blacklistDays int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		validations:   validations,
		blacklist:     blacklist,
		validationAge: time.Duration(validationDays) * 24 * time.Hour,
		blacklistAge:  time.Duration(blacklistDays) * 24 * time.Hour,
		logger:        logger,
		now:           time.Now,
	}
}

// Start schedules the sweep on the given cron expression and begins the
// scheduler. Returns an error for an unparseable expression.
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.logger.Info("retention sweeper started", "schedule", schedule,
		"validation_age", s.validationAge, "blacklist_age", s.blacklistAge)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep performs one purge pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	if s.validationAge > 0 {
		n, err := s.validations.DeleteBefore(ctx, now.Add(-s.validationAge))
		if err != nil {
			s.logger.Error("validation purge failed", "error", err)
		} else if n > 0 {
			s.logger.Info("validation rows purged", "rows", n)
		}
	}

	if s.blacklistAge > 0 {
		n, err := s.blacklist.DeleteExpiredBefore(ctx, now.Add(-s.blacklistAge))
		if err != nil {
			s.logger.Error("blacklist purge failed", "error", err)
		} else if n > 0 {
			s.logger.Info("blacklist rows purged", "rows", n)
		}
	}
}
