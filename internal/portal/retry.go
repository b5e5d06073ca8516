package portal

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

// reloadRetry is the retry that is preceded by a full page reload. A reload
// clears most UI desyncs; doing it on every retry only costs time.
const reloadRetry = 2

// RetryPolicy retries a row download with linearly growing delays.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
}

// ShouldRetry decides whether retry number retry (1-based) may run after err.
func (p RetryPolicy) ShouldRetry(err error, retry int) bool {
	if err == nil || retry > p.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return harvest.Retryable(err)
}

// Backoff returns the delay before retry number retry.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry <= 0 || p.Base <= 0 {
		return 0
	}
	return p.Base * time.Duration(retry)
}

// ReloadBefore reports whether the page is reloaded before retry.
func (p RetryPolicy) ReloadBefore(retry int) bool {
	return retry == reloadRetry
}
