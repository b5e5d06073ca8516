package harvest

import (
	"context"
)

// Viewport is the emulated browser window size.
type Viewport struct {
	Width  int
	Height int
}

// Browser launches isolated browser sessions.
type Browser interface {
	Launch(ctx context.Context, headless bool) (Session, error)
}

// Session is one browser process; each execution owns exactly one.
type Session interface {
	NewPage(ctx context.Context, viewport Viewport, downloadDir string) (Page, error)
	Close() error
}

// Page drives a single browser tab. Selectors are CSS unless they start with
// "/" or "(", in which case they are treated as XPath. Every call is bounded by
// the implementation's navigation or element timeout.
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitForSelector(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Evaluate(ctx context.Context, script string, out any) error
	HTML(ctx context.Context, selector string) (string, error)
	Reload(ctx context.Context) error
	Close() error
}

// IngestionSink parses organized artifacts into records and persists them.
// Records already stored (same checksum) count as successes.
type IngestionSink interface {
	ProcessFiles(ctx context.Context, paths []string) (IngestResult, error)
}

// Notifier publishes terminal execution summaries.
type Notifier interface {
	Notify(ctx context.Context, completion Completion) error
}
