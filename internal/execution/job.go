package execution

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

// DefaultLogLines is the size of each job's log ring.
const DefaultLogLines = 50

// Job is a point-in-time snapshot of an execution, safe to serialize.
type Job struct {
	ID         int64                       `json:"id"`
	Status     harvest.JobStatus           `json:"status"`
	Params     harvest.SanitizedParameters `json:"params"`
	CreatedAt  time.Time                   `json:"created_at"`
	StartedAt  *time.Time                  `json:"started_at,omitempty"`
	FinishedAt *time.Time                  `json:"finished_at,omitempty"`
	Duration   time.Duration               `json:"duration"`
	Logs       []string                    `json:"logs"`
	Progress   harvest.Progress            `json:"progress"`
	Result     *harvest.Report             `json:"result,omitempty"`
	Error      string                      `json:"error,omitempty"`
	ErrorKind  harvest.Kind                `json:"error_kind,omitempty"`
}

// record is the manager-owned mutable state behind a Job. All fields except
// cancelled are guarded by Manager.mu.
type record struct {
	job       Job
	logs      *logRing
	cancelled atomic.Bool
	finished  chan struct{}
}

func (r *record) snapshot() Job {
	out := r.job
	out.Logs = r.logs.lines()
	if out.StartedAt != nil {
		t := *out.StartedAt
		out.StartedAt = &t
	}
	if out.FinishedAt != nil {
		t := *out.FinishedAt
		out.FinishedAt = &t
	}
	if out.Result != nil {
		rep := *out.Result
		rep.Periods = append([]harvest.PeriodReport(nil), rep.Periods...)
		out.Result = &rep
	}
	return out
}

func (r *record) logf(now time.Time, format string, args ...any) {
	r.logs.add(now.UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...))
}

// logRing keeps the most recent lines in insertion order.
type logRing struct {
	buf  []string
	next int
	full bool
}

func newLogRing(size int) *logRing {
	if size <= 0 {
		size = DefaultLogLines
	}
	return &logRing{buf: make([]string, size)}
}

func (l *logRing) add(line string) {
	l.buf[l.next] = line
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

func (l *logRing) lines() []string {
	if !l.full {
		return append([]string(nil), l.buf[:l.next]...)
	}
	out := make([]string, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}
