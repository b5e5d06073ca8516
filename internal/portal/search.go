package portal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/period"
)

// Searcher drives the issued-notes search form and its result pages.
type Searcher struct {
	page   harvest.Page
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewSearcher binds a searcher to an authenticated page.
func NewSearcher(page harvest.Page, cfg Config, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{page: page, cfg: cfg, logger: logger.Named("search"), sleep: sleepCtx}
}

// Navigate opens the search surface and waits for the date form.
func (s *Searcher) Navigate(ctx context.Context) error {
	if err := s.page.Goto(ctx, s.cfg.URL(s.cfg.SearchPath)); err != nil {
		return fmt.Errorf("navigate to search: %w", err)
	}
	if err := s.page.WaitForSelector(ctx, s.cfg.Selectors.SearchStart); err != nil {
		return fmt.Errorf("navigate to search: %w", err)
	}
	return nil
}

// SearchPage loads result page n (1-based) of p. Page 1 is reached by
// submitting the form; later pages go straight to the page URL template,
// whose indexing is the portal's own.
func (s *Searcher) SearchPage(ctx context.Context, n int, p period.Period) error {
	if n < 1 {
		return harvest.E(harvest.KindValidation, "search page", fmt.Errorf("page %d out of range", n))
	}
	if n == 1 {
		return s.submitForm(ctx, p)
	}
	target := s.PageURL(n, p)
	if err := s.page.Goto(ctx, target); err != nil {
		return fmt.Errorf("search page %d: %w", n, err)
	}
	return s.settle(ctx)
}

func (s *Searcher) submitForm(ctx context.Context, p period.Period) error {
	sel := s.cfg.Selectors
	if err := s.page.Fill(ctx, sel.SearchStart, p.Start.Format(s.cfg.DateFormat)); err != nil {
		return fmt.Errorf("fill start date: %w", err)
	}
	if err := s.page.Fill(ctx, sel.SearchEnd, p.End.Format(s.cfg.DateFormat)); err != nil {
		return fmt.Errorf("fill end date: %w", err)
	}
	if err := s.page.Click(ctx, sel.SearchSubmit); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	return s.settle(ctx)
}

// PageURL expands the page URL template for page n of p.
func (s *Searcher) PageURL(n int, p period.Period) string {
	r := strings.NewReplacer(
		"{page}", strconv.Itoa(n),
		"{start}", p.Start.Format(s.cfg.DateFormat),
		"{end}", p.End.Format(s.cfg.DateFormat),
	)
	return s.cfg.URL(r.Replace(s.cfg.PageURLTemplate))
}

// CountNotes returns the genuine document rows of the current page. A page
// without a result table has zero rows.
func (s *Searcher) CountNotes(ctx context.Context) ([]Row, error) {
	html, err := s.page.HTML(ctx, s.cfg.Selectors.ResultsTable)
	if err != nil {
		if absent(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read results: %w", err)
	}
	return ParseRows(html), nil
}

// HasNextPage reports whether another page follows. A short page is always
// the last one.
func (s *Searcher) HasNextPage(ctx context.Context, rowsOnPage int) (bool, error) {
	if rowsOnPage < s.cfg.PageSize {
		return false, nil
	}
	html, err := s.page.HTML(ctx, s.cfg.Selectors.Pagination)
	if err != nil {
		if absent(err) {
			return false, nil
		}
		return false, fmt.Errorf("read pagination: %w", err)
	}
	return nextAvailable(html)
}

func (s *Searcher) settle(ctx context.Context) error {
	if s.cfg.SettleDelay <= 0 {
		return nil
	}
	return s.sleep(ctx, s.cfg.SettleDelay)
}

func absent(err error) bool {
	k := harvest.KindOf(err)
	return k == harvest.KindElementNotFound || k == harvest.KindTimeout
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}
