package harvest

import (
	"context"
	"errors"
	"net"
)

// Kind classifies failures for retry decisions and API reporting.
type Kind string

// Failure kinds.
const (
	KindUnknown          Kind = "unknown"
	KindTimeout          Kind = "timeout"
	KindNetwork          Kind = "network"
	KindAuthentication   Kind = "authentication"
	KindElementNotFound  Kind = "element_not_found"
	KindDownloadFailure  Kind = "download_failure"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindValidation       Kind = "validation"
)

// Sentinel errors matched with errors.Is.
var (
	ErrCapacityExceeded = errors.New("execution capacity exceeded")
	ErrShuttingDown     = errors.New("execution manager is shutting down")
	ErrNotFound         = errors.New("execution not found")
)

// Error attaches a Kind and operation name to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E wraps err with a kind and operation.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the outermost Kind found in err's chain, falling back to
// timeout/network detection for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether a local retry may succeed.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindAuthentication, KindCapacityExceeded, KindValidation:
		return false
	default:
		return true
	}
}
