package portal

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/period"
)

var errNoNode = harvest.E(harvest.KindElementNotFound, "fake", errors.New("no node"))

var rowPrefix = regexp.MustCompile(`^\(//table\[contains\(@class,'table'\)\]//tr\)\[(\d+)\]`)

// rowIndexOf extracts the row index from a row-scoped selector, or 0.
func rowIndexOf(selector string) int {
	m := rowPrefix.FindStringSubmatch(selector)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

type fakePage struct {
	mu       sync.Mutex
	html     map[string]string
	gotos    []string
	fills    map[string]string
	clicks   []string
	evals    int
	reloads  int
	waitErr  map[string]error
	gotoErr  error
	onClick  func(selector string) error
	onEval   func(script string, out any) error
	reloadFn func()
}

func newFakePage() *fakePage {
	return &fakePage{
		html:    map[string]string{},
		fills:   map[string]string{},
		waitErr: map[string]error{},
	}
}

func (p *fakePage) Goto(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gotos = append(p.gotos, url)
	return p.gotoErr
}

func (p *fakePage) WaitForSelector(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr[selector]
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	fn := p.onClick
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(selector)
}

func (p *fakePage) Fill(_ context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills[selector] = value
	return nil
}

func (p *fakePage) Evaluate(_ context.Context, script string, out any) error {
	p.mu.Lock()
	p.evals++
	fn := p.onEval
	p.mu.Unlock()
	if fn != nil {
		return fn(script, out)
	}
	if b, ok := out.(*bool); ok {
		*b = false
	}
	return nil
}

func (p *fakePage) HTML(_ context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	html, ok := p.html[selector]
	if !ok {
		return "", errNoNode
	}
	return html, nil
}

func (p *fakePage) Reload(context.Context) error {
	p.mu.Lock()
	p.reloads++
	fn := p.reloadFn
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (p *fakePage) Close() error { return nil }

type fakeSink struct {
	mu    sync.Mutex
	calls [][]string
}

func (s *fakeSink) ProcessFiles(_ context.Context, paths []string) (harvest.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), paths...))
	return harvest.IngestResult{Total: len(paths), Success: len(paths)}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://portal.example.gov.br"
	cfg.SettleDelay = 0
	cfg.ActionsPerSecond = 0
	cfg.BackoffBase = time.Second
	cfg.DownloadTimeout = time.Second
	return cfg
}

func julyPeriod() period.Period {
	return period.Period{
		Year:  2025,
		Month: time.July,
		Start: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC),
	}
}
