// Package pipeline turns one execution's parameters into monthly period passes
// over the portal: authenticate once, then search, count and download page by
// page for every period.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/period"
	"github.com/JakeFAU/nfse-harvester/internal/portal"
	"github.com/JakeFAU/nfse-harvester/internal/progress"
)

// DefaultMaxPages caps the page loop of a single period.
const DefaultMaxPages = 100

// ErrCancelled is returned when a cancellation checkpoint stops the run.
var ErrCancelled = errors.New("execution cancelled")

// Authenticator logs a page into the portal.
type Authenticator interface {
	Login(ctx context.Context, page harvest.Page, cnpj, password string) error
}

// Searcher drives the search surface.
type Searcher interface {
	Navigate(ctx context.Context) error
	SearchPage(ctx context.Context, n int, p period.Period) error
	CountNotes(ctx context.Context) ([]portal.Row, error)
	HasNextPage(ctx context.Context, rowsOnPage int) (bool, error)
}

// Downloader fetches the rows of one result page.
type Downloader interface {
	DownloadPage(ctx context.Context, rows []portal.Row, target portal.Target) portal.PageResult
}

// Steps are the portal operations bound to one browser page.
type Steps struct {
	Auth     Authenticator
	Search   Searcher
	Download Downloader
}

// StepsFactory binds portal steps to a freshly opened page.
type StepsFactory func(page harvest.Page, logger *zap.Logger) Steps

// PortalSteps returns the production factory backed by internal/portal.
func PortalSteps(cfg portal.Config, organizer portal.Organizer, sink harvest.IngestionSink) StepsFactory {
	return func(page harvest.Page, logger *zap.Logger) Steps {
		return Steps{
			Auth:     portal.NewAuthenticator(cfg, logger),
			Search:   portal.NewSearcher(page, cfg, logger),
			Download: portal.NewDownloader(page, organizer, sink, cfg, logger),
		}
	}
}

// Config controls the orchestrator.
type Config struct {
	// MaxPages bounds the page loop per period.
	MaxPages int
	Viewport harvest.Viewport
	// StagingRoot holds one temporary download directory per execution.
	// Empty means the OS temp dir.
	StagingRoot string
	// DownloadRoot is reported as the report's download path.
	DownloadRoot string
}

// Request is one execution handed to Run.
type Request struct {
	JobID  int64
	Params harvest.JobParameters
	// Emitter receives period and page events. Nil discards them.
	Emitter progress.Emitter
	// Cancelled is polled at period and page boundaries. In-flight browser
	// steps are never interrupted by it.
	Cancelled func() bool
}

// Orchestrator runs executions end to end. It is safe for concurrent use;
// every Run owns its own browser session.
type Orchestrator struct {
	browser harvest.Browser
	steps   StepsFactory
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// New constructs an Orchestrator.
func New(browser harvest.Browser, steps StepsFactory, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if browser == nil {
		return nil, errors.New("browser is required")
	}
	if steps == nil {
		return nil, errors.New("steps factory is required")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Viewport.Width <= 0 || cfg.Viewport.Height <= 0 {
		cfg.Viewport = harvest.Viewport{Width: 1366, Height: 900}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		browser: browser,
		steps:   steps,
		cfg:     cfg,
		logger:  logger.Named("pipeline"),
		now:     time.Now,
	}, nil
}

// run is the mutable state of one execution.
type run struct {
	req     Request
	steps   Steps
	page    harvest.Page
	staging string
	logger  *zap.Logger
	emit    progress.Emitter
	report  harvest.Report
	errored bool
}

// Run executes req and returns the final report. The report is populated
// even when an error is returned. Authentication, launch and parameter
// failures abort the run; a failing period is recorded and skipped.
func (o *Orchestrator) Run(ctx context.Context, req Request) (harvest.Report, error) {
	started := o.now()
	r := &run{
		req:    req,
		logger: o.logger.With(zap.Int64("job_id", req.JobID)),
		emit:   req.Emitter,
		report: harvest.Report{DownloadPath: o.cfg.DownloadRoot},
	}
	if r.emit == nil {
		r.emit = progress.Discard
	}
	if r.req.Cancelled == nil {
		r.req.Cancelled = func() bool { return false }
	}
	err := o.execute(ctx, r)
	r.report.Duration = o.now().Sub(started)
	r.report.SuccessRate = harvest.ComputeSuccessRate(r.report.XMLsDownloaded, r.report.NotesFound)
	r.report.Success = err == nil && !r.errored
	return r.report, err
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	periods, err := period.Split(r.req.Params.StartDate, r.req.Params.EndDate)
	if err != nil {
		return harvest.E(harvest.KindValidation, "split periods", err)
	}
	r.emit.Emit(progress.Event{JobID: r.req.JobID, Stage: progress.StageJobStart, Note: fmt.Sprintf("%d periods", len(periods))})

	staging, err := os.MkdirTemp(o.cfg.StagingRoot, fmt.Sprintf("job-%d-", r.req.JobID))
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	r.staging = staging
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			r.logger.Warn("remove staging dir failed", zap.String("dir", staging), zap.Error(rmErr))
		}
	}()

	session, err := o.browser.Launch(ctx, r.req.Params.Headless)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if cErr := session.Close(); cErr != nil {
			r.logger.Warn("close browser session failed", zap.Error(cErr))
		}
	}()
	page, err := session.NewPage(ctx, o.cfg.Viewport, staging)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cErr := page.Close(); cErr != nil {
			r.logger.Debug("close page failed", zap.Error(cErr))
		}
	}()
	r.page = page
	r.steps = o.steps(page, r.logger)

	if err := r.steps.Auth.Login(ctx, page, r.req.Params.CNPJ, r.req.Params.Password); err != nil {
		r.logger.Error("authentication failed", zap.Error(err))
		if harvest.KindOf(err) != harvest.KindAuthentication {
			err = harvest.E(harvest.KindAuthentication, "login", err)
		}
		return err
	}
	r.logger.Info("authenticated", zap.Int("periods", len(periods)))

	for _, p := range periods {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		pr := o.runPeriod(ctx, r, p)
		r.add(pr)
	}
	return r.checkpoint(ctx)
}

func (r *run) checkpoint(ctx context.Context) error {
	if r.req.Cancelled() {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

func (r *run) add(pr harvest.PeriodReport) {
	r.report.Periods = append(r.report.Periods, pr)
	r.report.PagesProcessed += pr.PagesProcessed
	r.report.NotesFound += pr.NotesFound
	r.report.XMLsDownloaded += pr.Downloaded
	r.report.XMLsSkipped += pr.Skipped
	r.report.DuplicatesDetected += pr.Duplicates
	r.report.Failures += pr.Failures
	if pr.Error != "" {
		r.errored = true
	}
}

// runPeriod processes one period in isolation. Errors and panics are
// recorded on the period report rather than propagated.
func (o *Orchestrator) runPeriod(ctx context.Context, r *run, p period.Period) (pr harvest.PeriodReport) {
	started := o.now()
	logger := r.logger.With(zap.String("period", p.Label()))
	pr.Period = p.Label()
	r.emit.Emit(progress.Event{JobID: r.req.JobID, Stage: progress.StagePeriodStart, Period: pr.Period})

	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("period panic: %v", rec)
			logger.Error("period panicked", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
		}
		evt := progress.Event{JobID: r.req.JobID, Stage: progress.StagePeriodDone, Period: pr.Period, Dur: o.now().Sub(started)}
		if err != nil && !errors.Is(err, ErrCancelled) {
			pr.Error = err.Error()
			evt.Stage = progress.StagePeriodError
			evt.Note = pr.Error
			logger.Error("period failed", zap.Int("pages", pr.PagesProcessed), zap.Error(err))
		} else {
			logger.Info("period finished",
				zap.Int("pages", pr.PagesProcessed),
				zap.Int("notes_found", pr.NotesFound),
				zap.Int("downloaded", pr.Downloaded))
		}
		r.emit.Emit(evt)
	}()
	err = o.pages(ctx, r, p, &pr, logger)
	return pr
}

func (o *Orchestrator) pages(ctx context.Context, r *run, p period.Period, pr *harvest.PeriodReport, logger *zap.Logger) error {
	if err := r.steps.Search.Navigate(ctx); err != nil {
		return err
	}
	target := portal.Target{CNPJ: harvest.NormalizeCNPJ(r.req.Params.CNPJ), Period: p, StagingDir: r.staging}
	for n := 1; n <= o.cfg.MaxPages; n++ {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		started := o.now()
		if err := r.steps.Search.SearchPage(ctx, n, p); err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}
		rows, err := r.steps.Search.CountNotes(ctx)
		if err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}
		if len(rows) == 0 {
			logger.Debug("no rows on page", zap.Int("page", n))
			return nil
		}
		res := r.steps.Download.DownloadPage(ctx, rows, target)
		pr.PagesProcessed++
		pr.NotesFound += len(rows)
		pr.Downloaded += res.Stats.Successful
		pr.Skipped += res.Stats.Skipped
		pr.Duplicates += res.Stats.Duplicates
		pr.Failures += res.Stats.Failed
		r.report.Retries += res.Stats.Retries
		r.emit.Emit(progress.Event{
			JobID:      r.req.JobID,
			Stage:      progress.StagePageDone,
			Period:     pr.Period,
			Page:       n,
			NotesFound: len(rows),
			Downloaded: res.Stats.Successful,
			Skipped:    res.Stats.Skipped,
			Duplicates: res.Stats.Duplicates,
			Failed:     res.Stats.Failed,
			Retries:    res.Stats.Retries,
			Dur:        o.now().Sub(started),
		})
		logger.Debug("page processed",
			zap.Int("page", n),
			zap.Int("rows", len(rows)),
			zap.Int("downloaded", res.Stats.Successful),
			zap.Int("ingested", res.Ingest.Success))

		next, err := r.steps.Search.HasNextPage(ctx, len(rows))
		if err != nil {
			return fmt.Errorf("page %d: %w", n, err)
		}
		if !next {
			return nil
		}
		if n == o.cfg.MaxPages {
			logger.Warn("page cap reached", zap.Int("max_pages", o.cfg.MaxPages))
		}
	}
	return nil
}
