package portal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/nfse-harvester/internal/dedup"
	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/period"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	closeMenuScript     = `(function(){
  document.querySelectorAll(".dropdown-menu.show").forEach(function(m){ m.classList.remove("show"); });
  document.body.click();
  return true;
})()`
)

// ErrDownloadTimeout is returned when no new file shows up in the staging
// directory within the download timeout.
var ErrDownloadTimeout = errors.New("no new file appeared in staging directory")

// Organizer is the part of the dedup engine the downloader needs.
type Organizer interface {
	PreCheck(ctx context.Context, cnpj string, nominal period.Period, documentNumber string) (dedup.Verdict, error)
	Organize(ctx context.Context, artifactPath, cnpj string, nominal period.Period) (dedup.Outcome, error)
}

// Target says where a page's downloads belong.
type Target struct {
	CNPJ       string
	Period     period.Period
	StagingDir string
}

// ResultStatus is the terminal state of one row download.
type ResultStatus string

// Row download outcomes.
const (
	ResultSuccess ResultStatus = "success"
	ResultSkipped ResultStatus = "skipped"
	ResultFailed  ResultStatus = "failed"
)

// Result describes one row download. Failures are data here, never errors.
type Result struct {
	Row              int          `json:"row"`
	DocumentNumber   string       `json:"document_number,omitempty"`
	Status           ResultStatus `json:"status"`
	Attempts         int          `json:"attempts"`
	FileName         string       `json:"file_name,omitempty"`
	TargetPath       string       `json:"target_path,omitempty"`
	Reason           dedup.Reason `json:"reason,omitempty"`
	DuplicateOf      string       `json:"duplicate_of,omitempty"`
	Duplicate        bool         `json:"duplicate,omitempty"`
	Retargeted       bool         `json:"retargeted,omitempty"`
	MenuStrategy     string       `json:"menu_strategy,omitempty"`
	DownloadStrategy string       `json:"download_strategy,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Success reports whether a new artifact was organized.
func (r Result) Success() bool { return r.Status == ResultSuccess }

// Stats are cumulative download counters. Successful+Failed+Skipped always
// equals Attempts; Duplicates is the share of Skipped caught after download.
type Stats struct {
	Attempts   int `json:"attempts"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Retries    int `json:"retries"`
}

// Sub returns s minus earlier, the activity between two snapshots.
func (s Stats) Sub(earlier Stats) Stats {
	return Stats{
		Attempts:   s.Attempts - earlier.Attempts,
		Successful: s.Successful - earlier.Successful,
		Failed:     s.Failed - earlier.Failed,
		Skipped:    s.Skipped - earlier.Skipped,
		Duplicates: s.Duplicates - earlier.Duplicates,
		Retries:    s.Retries - earlier.Retries,
	}
}

// PageResult summarizes DownloadPage.
type PageResult struct {
	Results []Result             `json:"results"`
	Stats   Stats                `json:"stats"`
	Ingest  harvest.IngestResult `json:"ingest"`
}

// Downloader fetches result rows one at a time. It is owned by a single
// execution and is not safe for concurrent use.
type Downloader struct {
	page      harvest.Page
	organizer Organizer
	sink      harvest.IngestionSink
	cfg       Config
	retry     RetryPolicy
	limiter   *rate.Limiter
	menu      []Strategy
	download  []Strategy
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
	pollEvery time.Duration
	stats     Stats
}

// DownloaderOption customizes a Downloader.
type DownloaderOption func(*Downloader)

// WithStrategies replaces the menu and download strategy lists.
func WithStrategies(menu, download []Strategy) DownloaderOption {
	return func(d *Downloader) {
		if menu != nil {
			d.menu = menu
		}
		if download != nil {
			d.download = download
		}
	}
}

// WithSleep replaces the delay function used for backoff and settling.
func WithSleep(sleep func(context.Context, time.Duration) error) DownloaderOption {
	return func(d *Downloader) { d.sleep = sleep }
}

// WithPollInterval sets how often the staging directory is scanned.
func WithPollInterval(every time.Duration) DownloaderOption {
	return func(d *Downloader) { d.pollEvery = every }
}

// NewDownloader builds a downloader. sink may be nil.
func NewDownloader(page harvest.Page, organizer Organizer, sink harvest.IngestionSink, cfg Config, logger *zap.Logger, opts ...DownloaderOption) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(cfg.ActionsPerSecond)
	if cfg.ActionsPerSecond <= 0 {
		limit = rate.Inf
	}
	d := &Downloader{
		page:      page,
		organizer: organizer,
		sink:      sink,
		cfg:       cfg,
		retry:     RetryPolicy{MaxRetries: cfg.MaxRetries, Base: cfg.BackoffBase},
		limiter:   rate.NewLimiter(limit, 1),
		menu:      DefaultMenuStrategies(),
		download:  DefaultDownloadStrategies(),
		logger:    logger.Named("download"),
		sleep:     sleepCtx,
		pollEvery: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns the cumulative counters.
func (d *Downloader) Stats() Stats { return d.stats }

// DownloadPage downloads rows strictly in order, then hands the newly
// organized files to the ingestion sink when at least one download
// succeeded. Rows left when ctx is canceled are not attempted.
func (d *Downloader) DownloadPage(ctx context.Context, rows []Row, target Target) PageResult {
	before := d.stats
	results := make([]Result, 0, len(rows))
	var organized []string
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		res := d.DownloadSingle(ctx, row, target)
		results = append(results, res)
		if res.Success() {
			organized = append(organized, res.TargetPath)
		}
	}
	out := PageResult{Results: results, Stats: d.stats.Sub(before)}
	if len(organized) == 0 || d.sink == nil {
		return out
	}
	ingest, err := d.sink.ProcessFiles(ctx, organized)
	out.Ingest = ingest
	if err != nil {
		d.logger.Error("ingestion failed",
			zap.String("period", target.Period.Label()),
			zap.Int("files", len(organized)),
			zap.Error(err))
	}
	return out
}

// DownloadSingle runs the pre-check, then the download with retries. It never
// returns an error; exhausted retries yield a failed Result.
func (d *Downloader) DownloadSingle(ctx context.Context, row Row, target Target) Result {
	d.stats.Attempts++
	res := Result{Row: row.Index, DocumentNumber: row.DocumentNumber}
	log := d.logger.With(zap.String("period", target.Period.Label()), zap.Int("row", row.Index))

	verdict, err := d.organizer.PreCheck(ctx, target.CNPJ, target.Period, row.DocumentNumber)
	if err != nil {
		log.Warn("pre-check failed, downloading anyway", zap.Error(err))
	} else if verdict.Duplicate {
		d.stats.Skipped++
		res.Status = ResultSkipped
		res.Reason = verdict.Reason
		res.DuplicateOf = verdict.DuplicateOf
		log.Debug("row skipped before download", zap.String("reason", string(verdict.Reason)))
		return res
	}

	var lastErr error
	for retry := 0; ; retry++ {
		if retry > 0 {
			if !d.retry.ShouldRetry(lastErr, retry) {
				break
			}
			d.stats.Retries++
			if err := d.sleep(ctx, d.retry.Backoff(retry)); err != nil {
				lastErr = err
				break
			}
			if d.retry.ReloadBefore(retry) {
				if err := d.page.Reload(ctx); err != nil {
					log.Warn("reload before retry failed", zap.Int("retry", retry), zap.Error(err))
				}
			}
		}
		res.Attempts++
		out, menu, dl, err := d.attempt(ctx, row, target)
		if err == nil {
			res.MenuStrategy, res.DownloadStrategy = menu, dl
			return d.record(res, out)
		}
		lastErr = err
		log.Warn("download attempt failed",
			zap.Int("attempt", res.Attempts),
			zap.String("kind", string(harvest.KindOf(err))),
			zap.Error(err))
		d.closeMenu(ctx)
	}

	d.stats.Failed++
	res.Status = ResultFailed
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	log.Error("download failed", zap.Int("attempts", res.Attempts), zap.String("error", res.Error))
	return res
}

func (d *Downloader) record(res Result, out dedup.Outcome) Result {
	res.Retargeted = out.Retargeted
	if out.Status == dedup.StatusSkipped {
		d.stats.Skipped++
		d.stats.Duplicates++
		res.Status = ResultSkipped
		res.Duplicate = true
		res.Reason = out.Reason
		res.DuplicateOf = out.DuplicateOf
		return res
	}
	d.stats.Successful++
	res.Status = ResultSuccess
	res.FileName = out.FileName
	res.TargetPath = out.TargetPath
	return res
}

func (d *Downloader) attempt(ctx context.Context, row Row, target Target) (dedup.Outcome, string, string, error) {
	before, err := dedup.ListFiles(target.StagingDir)
	if err != nil {
		return dedup.Outcome{}, "", "", harvest.E(harvest.KindDownloadFailure, "scan staging", err)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return dedup.Outcome{}, "", "", fmt.Errorf("rate limit: %w", err)
	}
	menu, err := runStrategies(ctx, d.page, d.cfg, row, "open action menu", d.menu)
	if err != nil {
		return dedup.Outcome{}, "", "", err
	}
	if d.cfg.SettleDelay > 0 {
		if err := d.sleep(ctx, d.cfg.SettleDelay); err != nil {
			return dedup.Outcome{}, menu, "", err
		}
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return dedup.Outcome{}, menu, "", fmt.Errorf("rate limit: %w", err)
	}
	dl, err := runStrategies(ctx, d.page, d.cfg, row, "click xml download", d.download)
	if err != nil {
		return dedup.Outcome{}, menu, "", err
	}
	path, err := d.waitForFile(ctx, target.StagingDir, before)
	if err != nil {
		return dedup.Outcome{}, menu, dl, err
	}
	out, err := d.organizer.Organize(ctx, path, target.CNPJ, target.Period)
	if err != nil {
		return dedup.Outcome{}, menu, dl, harvest.E(harvest.KindDownloadFailure, "organize "+filepath.Base(path), err)
	}
	return out, menu, dl, nil
}

// waitForFile polls dir until a complete file absent from before appears.
func (d *Downloader) waitForFile(ctx context.Context, dir string, before []string) (string, error) {
	seen := make(map[string]struct{}, len(before))
	for _, p := range before {
		seen[p] = struct{}{}
	}
	timeout := d.cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()
	for {
		files, err := dedup.ListFiles(dir)
		if err != nil {
			return "", harvest.E(harvest.KindDownloadFailure, "scan staging", err)
		}
		for _, f := range files {
			if _, ok := seen[f]; !ok {
				return f, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for download: %w", ctx.Err())
		case <-deadline.C:
			return "", harvest.E(harvest.KindDownloadFailure, "wait for download", ErrDownloadTimeout)
		case <-ticker.C:
		}
	}
}

func (d *Downloader) closeMenu(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	var ok bool
	if err := d.page.Evaluate(ctx, closeMenuScript, &ok); err != nil {
		d.logger.Debug("close menu failed", zap.Error(err))
	}
}
