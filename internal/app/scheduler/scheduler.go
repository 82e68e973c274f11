// Package scheduler periodically commits delegated accounts back to the
// base ledger.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/datmedevil17/simcityMagicblock/internal/app/domain/account"
	"github.com/datmedevil17/simcityMagicblock/internal/chain"
	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
	"github.com/datmedevil17/simcityMagicblock/pkg/logger"
)

// Checkpointer is a lifecycle manager that can commit without a signer.
type Checkpointer interface {
	Kind() account.Kind
	Delegated(ctx context.Context) ([]account.Record, error)
	Checkpoint(ctx context.Context, addr chain.Address) (account.Record, error)
}

// Config controls auto-commit. It is off unless enabled.
type Config struct {
	Enabled  bool          `yaml:"enabled" env:"AUTOCOMMIT_ENABLED"`
	Schedule string        `yaml:"schedule" env:"AUTOCOMMIT_SCHEDULE"`
	Timeout  time.Duration `yaml:"timeout" env:"AUTOCOMMIT_TIMEOUT"`
}

// DefaultConfig returns the default auto-commit configuration.
func DefaultConfig() Config {
	return Config{Schedule: "@every 1m", Timeout: 30 * time.Second}
}

// Summary counts what one run did.
type Summary struct {
	Committed int `json:"committed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Scheduler runs checkpoints on a cron schedule.
type Scheduler struct {
	cfg     Config
	targets []Checkpointer
	cron    *cron.Cron
	log     *logger.Logger
	onRun   func(Summary)
}

// New validates the schedule and builds a scheduler over targets.
func New(cfg Config, log *logger.Logger, targets ...Checkpointer) (*Scheduler, error) {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse auto-commit schedule %q: %w", cfg.Schedule, err)
	}
	s := &Scheduler{cfg: cfg, targets: targets, log: log.Named("scheduler")}
	cl := cronLogger{log: s.log}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("schedule auto-commit: %w", err)
	}
	return s, nil
}

// OnRun registers a callback invoked after each scheduled run.
func (s *Scheduler) OnRun(fn func(Summary)) { s.onRun = fn }

// Start begins the schedule when auto-commit is enabled.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		s.log.Debug("auto-commit disabled")
		return
	}
	s.log.WithField("schedule", s.cfg.Schedule).Info("auto-commit started")
	s.cron.Start()
}

// Stop halts the schedule and waits for a running checkpoint pass.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	sum := s.RunOnce(ctx)
	if s.onRun != nil {
		s.onRun(sum)
	}
}

// RunOnce checkpoints every delegated account of every target. Accounts
// with a handoff in flight are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	var sum Summary
	for _, target := range s.targets {
		recs, err := target.Delegated(ctx)
		if err != nil {
			s.log.WithError(err).WithField("kind", string(target.Kind())).Warn("list delegated accounts")
			sum.Failed++
			continue
		}
		for _, rec := range recs {
			if rec.Pending() {
				sum.Skipped++
				continue
			}
			_, err := target.Checkpoint(ctx, rec.Address)
			switch {
			case err == nil:
				sum.Committed++
			case apperrors.CodeOf(err) == apperrors.CodeHandoffPending, apperrors.CodeOf(err) == apperrors.CodeInvalidState:
				sum.Skipped++
			default:
				sum.Failed++
				s.log.WithError(err).
					WithField("account", rec.Address.String()).
					WithField("kind", string(target.Kind())).
					Warn("checkpoint failed")
			}
		}
	}
	if sum.Committed+sum.Failed > 0 {
		s.log.WithFields(logrus.Fields{
			"committed": sum.Committed,
			"skipped":   sum.Skipped,
			"failed":    sum.Failed,
		}).Info("checkpoint pass finished")
	}
	return sum
}

// cronLogger routes cron's logging to logrus.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).WithError(err).Error(msg)
}

func pairs(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
