// Package chrome implements harvest.Browser on top of chromedp and a local
// Chrome or Chromium binary.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultElementTimeout    = 15 * time.Second
)

// DefaultBlockedHosts are analytics hosts the portal embeds that never affect
// the search or download flow.
var DefaultBlockedHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.net",
	"hotjar.com",
}

// Config controls browser launch and per-call timeouts.
type Config struct {
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout"`
	// BlockResources fails image, font, stylesheet and media requests as well
	// as requests to BlockedHosts.
	BlockResources bool     `mapstructure:"block_resources"`
	BlockedHosts   []string `mapstructure:"blocked_hosts"`
	// ExecPath overrides chromedp's browser discovery.
	ExecPath string `mapstructure:"exec_path"`
}

// Browser launches chromedp-backed sessions.
type Browser struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a Browser.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.NavigationTimeout < 0 || cfg.ElementTimeout < 0 {
		return nil, errors.New("chrome: timeouts must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ElementTimeout == 0 {
		cfg.ElementTimeout = defaultElementTimeout
	}
	if cfg.BlockResources && cfg.BlockedHosts == nil {
		cfg.BlockedHosts = DefaultBlockedHosts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg, logger: logger.Named("chrome")}, nil
}

// Launch starts a browser process. The process lives until Session.Close.
func (b *Browser) Launch(ctx context.Context, headless bool) (harvest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions(headless)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, harvest.E(harvest.KindNetwork, "launch browser", err)
	}
	return &session{
		browser:       b,
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

func (b *Browser) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-popup-blocking", true),
	)
	if headless {
		opts = append(opts, chromedp.Flag("headless", "new"), chromedp.Flag("hide-scrollbars", true))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	return opts
}

type session struct {
	browser       *Browser
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closed        atomic.Bool
}

// NewPage opens a tab that saves downloads into downloadDir, accepts every
// JavaScript dialog and optionally blocks non-essential requests.
func (s *session) NewPage(ctx context.Context, viewport harvest.Viewport, downloadDir string) (harvest.Page, error) {
	if s.closed.Load() {
		return nil, errors.New("new page: session closed")
	}
	tabCtx, tabCancel := chromedp.NewContext(s.ctx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, harvest.E(harvest.KindNetwork, "open tab", err)
	}
	p := &tab{
		ctx:    tabCtx,
		cancel: tabCancel,
		cfg:    s.browser.cfg,
		logger: s.browser.logger,
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	setupCtx, cancel := p.bounded(ctx, p.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(setupCtx, p.setupActions(viewport, downloadDir)...); err != nil {
		tabCancel()
		return nil, classify("configure tab", err, harvest.KindNetwork)
	}
	return p, nil
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.browserCancel()
	s.allocCancel()
	return nil
}

type tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     Config
	logger  *zap.Logger
	blocked atomic.Int64
}

func (p *tab) setupActions(viewport harvest.Viewport, downloadDir string) []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(downloadDir).
			WithEventsEnabled(true),
	}
	if viewport.Width > 0 && viewport.Height > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(viewport.Width), int64(viewport.Height)))
	}
	if p.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(p.cfg.UserAgent))
	}
	if p.cfg.BlockResources {
		actions = append(actions, fetch.Enable())
	}
	return actions
}

func (p *tab) onEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventJavascriptDialogOpening:
		p.logger.Debug("accepting dialog", zap.String("type", string(e.Type)), zap.String("message", e.Message))
		go func() {
			if err := chromedp.Run(p.ctx, page.HandleJavaScriptDialog(true)); err != nil {
				p.logger.Warn("failed to accept dialog", zap.Error(err))
			}
		}()
	case *fetch.EventRequestPaused:
		go p.resolveRequest(e)
	}
}

func (p *tab) resolveRequest(e *fetch.EventRequestPaused) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(p.ctx, c.Target)
	var err error
	requestURL := ""
	if e.Request != nil {
		requestURL = e.Request.URL
	}
	if shouldBlock(e.ResourceType, requestURL, p.cfg.BlockedHosts) {
		p.blocked.Add(1)
		err = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	} else {
		err = fetch.ContinueRequest(e.RequestID).Do(ctx)
	}
	if err != nil && p.ctx.Err() == nil {
		p.logger.Debug("failed to resolve paused request", zap.String("url", requestURL), zap.Error(err))
	}
}

func (p *tab) Goto(ctx context.Context, rawURL string) error {
	runCtx, cancel := p.bounded(ctx, p.cfg.NavigationTimeout)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	return classify("goto "+rawURL, err, harvest.KindNetwork)
}

func (p *tab) WaitForSelector(ctx context.Context, selector string) error {
	runCtx, cancel := p.bounded(ctx, p.cfg.ElementTimeout)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.WaitReady(selector, queryOption(selector)))
	return classify("wait "+selector, err, harvest.KindElementNotFound)
}

func (p *tab) Click(ctx context.Context, selector string) error {
	runCtx, cancel := p.bounded(ctx, p.cfg.ElementTimeout)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.Click(selector, queryOption(selector), chromedp.NodeVisible))
	return classify("click "+selector, err, harvest.KindElementNotFound)
}

func (p *tab) Fill(ctx context.Context, selector, value string) error {
	runCtx, cancel := p.bounded(ctx, p.cfg.ElementTimeout)
	defer cancel()
	by := queryOption(selector)
	err := chromedp.Run(runCtx,
		chromedp.WaitVisible(selector, by),
		chromedp.SetValue(selector, "", by),
		chromedp.SendKeys(selector, value, by),
	)
	return classify("fill "+selector, err, harvest.KindElementNotFound)
}

func (p *tab) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, cancel := p.bounded(ctx, p.cfg.ElementTimeout)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.Evaluate(script, out))
	return classify("evaluate", err, harvest.KindUnknown)
}

// HTML returns the outer HTML of the first node matching selector without
// waiting for it to appear.
func (p *tab) HTML(ctx context.Context, selector string) (string, error) {
	runCtx, cancel := p.bounded(ctx, p.cfg.ElementTimeout)
	defer cancel()
	var html string
	err := chromedp.Run(runCtx, chromedp.OuterHTML(selector, &html, queryOption(selector), chromedp.AtLeast(0)))
	if err != nil {
		return "", classify("html "+selector, err, harvest.KindElementNotFound)
	}
	return html, nil
}

func (p *tab) Reload(ctx context.Context) error {
	runCtx, cancel := p.bounded(ctx, p.cfg.NavigationTimeout)
	defer cancel()
	err := chromedp.Run(runCtx, chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery))
	return classify("reload", err, harvest.KindNetwork)
}

func (p *tab) Close() error {
	p.cancel()
	if n := p.blocked.Load(); n > 0 {
		p.logger.Debug("tab closed", zap.Int64("blocked_requests", n))
	}
	return nil
}

// bounded derives an action context from the tab. The tab is already running,
// so canceling the derived context aborts only the action. The caller's ctx
// still cancels it.
func (p *tab) bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func queryOption(selector string) chromedp.QueryOption {
	if isXPath(selector) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

func isXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(")
}

func classify(op string, err error, fallback harvest.Kind) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return harvest.E(harvest.KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return harvest.E(fallback, op, err)
	}
}

var blockedTypes = map[network.ResourceType]bool{
	network.ResourceTypeImage:      true,
	network.ResourceTypeFont:       true,
	network.ResourceTypeStylesheet: true,
	network.ResourceTypeMedia:      true,
}

func shouldBlock(rt network.ResourceType, rawURL string, hosts []string) bool {
	if blockedTypes[rt] {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, blocked := range hosts {
		blocked = strings.ToLower(blocked)
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}
