// Package execution owns harvest executions: admission under a concurrency
// ceiling, the in-memory job records, cooperative cancellation and graceful
// shutdown.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/pipeline"
	"github.com/JakeFAU/nfse-harvester/internal/progress"
)

const (
	defaultMaxConcurrent = 2
	defaultShutdownGrace = 30 * time.Second
	defaultNotifyTimeout = 10 * time.Second
	defaultListLimit     = 20
	maxListLimit         = 100
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (harvest.Report, error)
}

// Config controls admission and shutdown.
type Config struct {
	MaxConcurrent int
	ShutdownGrace time.Duration
	LogLines      int
	NotifyTimeout time.Duration
}

// ListFilter selects and pages job summaries.
type ListFilter struct {
	Status harvest.JobStatus
	Offset int
	Limit  int
}

// ListPage is one page of jobs, newest first.
type ListPage struct {
	Jobs   []Job `json:"jobs"`
	Total  int   `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}

// Manager tracks executions for the life of the process.
type Manager struct {
	runner   Runner
	events   progress.Emitter
	notifier harvest.Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	nextID  int64
	active  int
	closing bool
	jobs    map[int64]*record
}

// Option customizes a Manager.
type Option func(*Manager)

// WithNotifier publishes a Completion for every terminal job.
func WithNotifier(n harvest.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager. events receives every job's progress
// events and may be nil.
func NewManager(runner Runner, events progress.Emitter, cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = DefaultLogLines
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if events == nil {
		events = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runner:     runner,
		events:     events,
		cfg:        cfg,
		logger:     logger.Named("execution"),
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[int64]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// StartExecution admits a job and runs it asynchronously. When the number of
// active jobs has reached MaxConcurrent it fails with ErrCapacityExceeded and
// creates no record.
func (m *Manager) StartExecution(params harvest.JobParameters) (int64, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return 0, harvest.E(harvest.KindCapacityExceeded, "start execution", harvest.ErrShuttingDown)
	}
	if m.active >= m.cfg.MaxConcurrent {
		active := m.active
		m.mu.Unlock()
		m.logger.Warn("execution rejected", zap.Int("active", active), zap.Int("max_concurrent", m.cfg.MaxConcurrent))
		return 0, harvest.E(harvest.KindCapacityExceeded, "start execution", harvest.ErrCapacityExceeded)
	}
	m.nextID++
	id := m.nextID
	now := m.now()
	rec := &record{
		job: Job{
			ID:        id,
			Status:    harvest.JobStatusStarting,
			Params:    params.Sanitized(),
			CreatedAt: now,
		},
		logs:     newLogRing(m.cfg.LogLines),
		finished: make(chan struct{}),
	}
	rec.logf(now, "execution created for %s (%s to %s)", rec.job.Params.CNPJ, rec.job.Params.StartDate, rec.job.Params.EndDate)
	m.jobs[id] = rec
	m.active++
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("execution started", zap.Int64("job_id", id), zap.String("cnpj", rec.job.Params.CNPJ))
	go m.run(rec, params)
	return id, nil
}

func (m *Manager) run(rec *record, params harvest.JobParameters) {
	defer m.wg.Done()
	defer close(rec.finished)
	id := rec.job.ID
	logger := m.logger.With(zap.Int64("job_id", id))

	m.mu.Lock()
	if rec.job.Status == harvest.JobStatusStarting {
		started := m.now()
		rec.job.Status = harvest.JobStatusRunning
		rec.job.StartedAt = &started
		rec.logf(started, "execution running")
	}
	m.mu.Unlock()

	report, err := m.runSafely(rec, params)

	m.mu.Lock()
	m.active--
	finished := m.now()
	rec.job.Result = &report
	var stage progress.Stage
	switch {
	case rec.job.Status == harvest.JobStatusCancelled:
		stage = progress.StageJobCancelled
		rec.logf(finished, "execution stopped after cancellation")
	case err == nil:
		rec.job.Status = harvest.JobStatusCompleted
		rec.job.Error = lastPeriodError(report)
		stage = progress.StageJobDone
		rec.logf(finished, "execution completed: %d downloaded, %d skipped, %d failed",
			report.XMLsDownloaded, report.XMLsSkipped, report.Failures)
	case errors.Is(err, pipeline.ErrCancelled):
		rec.job.Status = harvest.JobStatusCancelled
		stage = progress.StageJobCancelled
		rec.logf(finished, "execution cancelled")
	default:
		rec.job.Status = harvest.JobStatusFailed
		rec.job.Error = err.Error()
		rec.job.ErrorKind = harvest.KindOf(err)
		stage = progress.StageJobError
		rec.logf(finished, "execution failed: %s", rec.job.Error)
	}
	if rec.job.FinishedAt == nil {
		rec.job.FinishedAt = &finished
	}
	rec.job.Duration = rec.job.FinishedAt.Sub(rec.job.CreatedAt)
	completion := harvest.Completion{
		JobID:      id,
		Status:     rec.job.Status,
		Parameters: rec.job.Params,
		Report:     &report,
		Error:      rec.job.Error,
		FinishedAt: *rec.job.FinishedAt,
	}
	m.mu.Unlock()

	m.events.Emit(progress.Event{JobID: id, Stage: stage, Dur: report.Duration, Note: completion.Error})
	logger.Info("execution finished",
		zap.String("status", string(completion.Status)),
		zap.Duration("duration", report.Duration),
		zap.Int("downloaded", report.XMLsDownloaded),
		zap.Error(err))
	m.notify(completion, logger)
}

// runSafely converts a runner panic into a failed execution.
func (m *Manager) runSafely(rec *record, params harvest.JobParameters) (report harvest.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panic: %v", r)
		}
	}()
	return m.runner.Run(m.baseCtx, pipeline.Request{
		JobID:     rec.job.ID,
		Params:    params,
		Emitter:   m.emitterFor(rec),
		Cancelled: rec.cancelled.Load,
	})
}

// emitterFor returns the per-job emitter: it folds events into the record's
// progress snapshot and log ring, then forwards them.
func (m *Manager) emitterFor(rec *record) progress.Emitter {
	return progress.EmitterFunc(func(evt progress.Event) {
		evt = progress.Stamp(evt)
		m.mu.Lock()
		p := &rec.job.Progress
		switch evt.Stage {
		case progress.StagePeriodStart:
			p.CurrentPeriod, p.CurrentPage = evt.Period, 0
			rec.logf(evt.TS, "period %s started", evt.Period)
		case progress.StagePeriodDone:
			rec.logf(evt.TS, "period %s finished", evt.Period)
		case progress.StagePeriodError:
			rec.logf(evt.TS, "period %s failed: %s", evt.Period, evt.Note)
		case progress.StagePageDone:
			p.CurrentPeriod, p.CurrentPage = evt.Period, evt.Page
			p.PagesProcessed++
			p.NotesFound += evt.NotesFound
			p.Downloaded += evt.Downloaded
			p.Skipped += evt.Skipped
			p.Duplicates += evt.Duplicates
			p.Failed += evt.Failed
			p.Retries += evt.Retries
			rec.logf(evt.TS, "period %s page %d: %d found, %d downloaded, %d skipped, %d failed",
				evt.Period, evt.Page, evt.NotesFound, evt.Downloaded, evt.Skipped, evt.Failed)
		}
		m.mu.Unlock()
		m.events.Emit(evt)
	})
}

func (m *Manager) notify(c harvest.Completion, logger *zap.Logger) {
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, c); err != nil {
		logger.Warn("completion notification failed", zap.Error(err))
	}
}

// GetExecution returns a snapshot of the job.
func (m *Manager) GetExecution(id int64) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("get execution %d: %w", id, harvest.ErrNotFound)
	}
	return rec.snapshot(), nil
}

// ListExecutions returns jobs newest first, optionally filtered by status.
func (m *Manager) ListExecutions(f ListFilter) ListPage {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	m.mu.Lock()
	matched := make([]*record, 0, len(m.jobs))
	for _, rec := range m.jobs {
		if f.Status == "" || rec.job.Status == f.Status {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].job.ID > matched[j].job.ID })
	out := ListPage{Jobs: []Job{}, Total: len(matched), Offset: f.Offset, Limit: f.Limit}
	for i := f.Offset; i < len(matched) && len(out.Jobs) < f.Limit; i++ {
		out.Jobs = append(out.Jobs, matched[i].snapshot())
	}
	m.mu.Unlock()
	return out
}

// CancelExecution marks a starting or running job cancelled. The runner sees
// it at its next checkpoint; in-flight browser steps finish on their own.
func (m *Manager) CancelExecution(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		return false
	}
	now := m.now()
	rec.cancelled.Store(true)
	rec.job.Status = harvest.JobStatusCancelled
	rec.job.FinishedAt = &now
	rec.logf(now, "cancellation requested")
	m.logger.Info("execution cancelled", zap.Int64("job_id", id))
	return true
}

// Wait blocks until the job reaches a terminal state and its runner has
// returned, or ctx ends.
func (m *Manager) Wait(ctx context.Context, id int64) (Job, error) {
	m.mu.Lock()
	rec, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("wait execution %d: %w", id, harvest.ErrNotFound)
	}
	select {
	case <-rec.finished:
		return m.GetExecution(id)
	case <-ctx.Done():
		return Job{}, fmt.Errorf("wait execution %d: %w", id, ctx.Err())
	}
}

// Active reports how many runners are still executing.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Accepting reports whether new executions are still admitted.
func (m *Manager) Accepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closing
}

// Shutdown stops admitting jobs and waits up to the grace period for running
// jobs to finish. It then cancels the remaining jobs' contexts and waits for
// them until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	active := m.active
	m.mu.Unlock()
	m.logger.Info("execution manager shutting down", zap.Int("active", active))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(m.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		m.baseCancel()
		return nil
	case <-grace.C:
		m.logger.Warn("shutdown grace period elapsed, cancelling executions", zap.Duration("grace", m.cfg.ShutdownGrace))
	case <-ctx.Done():
	}
	m.baseCancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("execution shutdown: %w", ctx.Err())
	}
}

// lastPeriodError returns the latest period failure of a completed report.
func lastPeriodError(report harvest.Report) string {
	for i := len(report.Periods) - 1; i >= 0; i-- {
		if p := report.Periods[i]; p.Error != "" {
			return fmt.Sprintf("period %s: %s", p.Period, p.Error)
		}
	}
	return ""
}
