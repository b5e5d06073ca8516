// Package schedule starts recurring executions from cron expressions. Each
// firing harvests the previous calendar month.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

// Starter admits executions.
type Starter interface {
	StartExecution(params harvest.JobParameters) (int64, error)
}

// Entry is one scheduled harvest. Spec uses the standard five-field cron
// syntax, plus descriptors such as @monthly.
type Entry struct {
	Name     string `mapstructure:"name"`
	Spec     string `mapstructure:"spec"`
	CNPJ     string `mapstructure:"cnpj"`
	Password string `mapstructure:"password"`
	Headless bool   `mapstructure:"headless"`
}

// Scheduler fires entries on their cron specs.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	logger  *zap.Logger
	now     func() time.Time
}

// New validates entries and registers them. Nothing runs until Start.
func New(starter Starter, entries []Entry, logger *zap.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:    cron.New(),
		starter: starter,
		logger:  logger.Named("schedule"),
		now:     time.Now,
	}
	for _, e := range entries {
		if !harvest.ValidCNPJ(e.CNPJ) {
			return nil, fmt.Errorf("schedule %q: invalid cnpj", e.Name)
		}
		if e.Password == "" {
			return nil, fmt.Errorf("schedule %q: password is required", e.Name)
		}
		entry := e
		if _, err := s.cron.AddFunc(e.Spec, func() { s.fire(entry) }); err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cron expression: %w", e.Name, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("entries", len(s.cron.Entries())))
}

// Stop halts future firings and returns a context that is done once running
// callbacks return.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("scheduler stopped")
	return ctx
}

// Trigger starts entry immediately for the previous month.
func (s *Scheduler) Trigger(e Entry) (int64, error) {
	start, end := PreviousMonth(s.now())
	id, err := s.starter.StartExecution(harvest.JobParameters{
		CNPJ:      harvest.NormalizeCNPJ(e.CNPJ),
		Password:  e.Password,
		StartDate: start,
		EndDate:   end,
		Headless:  e.Headless,
	})
	if err != nil {
		return 0, fmt.Errorf("trigger %q: %w", e.Name, err)
	}
	return id, nil
}

func (s *Scheduler) fire(e Entry) {
	logger := s.logger.With(zap.String("schedule", e.Name), zap.String("cnpj", harvest.MaskCNPJ(e.CNPJ)))
	id, err := s.Trigger(e)
	if err != nil {
		if errors.Is(err, harvest.ErrCapacityExceeded) {
			logger.Warn("scheduled execution rejected at capacity")
			return
		}
		logger.Error("scheduled execution failed to start", zap.Error(err))
		return
	}
	logger.Info("scheduled execution started", zap.Int64("job_id", id))
}

// PreviousMonth returns the first and last day of the month before now.
func PreviousMonth(now time.Time) (time.Time, time.Time) {
	y, m, _ := now.Date()
	firstOfThis := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	return firstOfThis.AddDate(0, -1, 0), firstOfThis.AddDate(0, 0, -1)
}
