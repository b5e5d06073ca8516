package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/nfse-harvester/internal/progress"
)

// PrometheusSink exports harvest progress as Prometheus collectors.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	periods      *prometheus.CounterVec
	pages        prometheus.Counter
	notesFound   prometheus.Counter
	downloads    *prometheus.CounterVec
	retries      prometheus.Counter
	pageDuration prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_executions_started_total",
			Help: "Total executions that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_executions_completed_total",
			Help: "Total executions finished, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_executions_running",
			Help: "Current number of running executions.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_execution_runtime_seconds",
			Help:    "Wall time per finished execution.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"result"}),
		periods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_periods_total",
			Help: "Monthly periods processed, partitioned by result.",
		}, []string{"result"}),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_pages_processed_total",
			Help: "Result pages processed.",
		}),
		notesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_notes_found_total",
			Help: "Document rows found on result pages.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_downloads_total",
			Help: "Row downloads partitioned by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_download_retries_total",
			Help: "Download retries consumed.",
		}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_page_duration_seconds",
			Help:    "Wall time to search and download one result page.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.periods,
		s.pages,
		s.notesFound,
		s.downloads,
		s.retries,
		s.pageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.finishJob(evt, "success")
	case progress.StageJobError:
		s.finishJob(evt, "error")
	case progress.StageJobCancelled:
		s.finishJob(evt, "cancelled")
	case progress.StagePeriodDone:
		s.periods.WithLabelValues("success").Inc()
	case progress.StagePeriodError:
		s.periods.WithLabelValues("error").Inc()
	case progress.StagePageDone:
		s.handlePage(evt)
	}
}

func (s *PrometheusSink) finishJob(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) handlePage(evt progress.Event) {
	s.pages.Inc()
	addCount(s.notesFound, evt.NotesFound)
	addCount(s.downloads.WithLabelValues("success"), evt.Downloaded)
	addCount(s.downloads.WithLabelValues("skipped"), evt.Skipped-evt.Duplicates)
	addCount(s.downloads.WithLabelValues("duplicate"), evt.Duplicates)
	addCount(s.downloads.WithLabelValues("failed"), evt.Failed)
	addCount(s.retries, evt.Retries)
	if evt.Dur > 0 {
		s.pageDuration.Observe(evt.Dur.Seconds())
	}
}

// addCount ignores non-positive deltas; counters panic on negative adds.
func addCount(c prometheus.Counter, n int) {
	if n > 0 {
		c.Add(float64(n))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[int64]struct{})}
}

func (t *jobTracker) start(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
