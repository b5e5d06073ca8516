package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/nfse-harvester/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: 7, TS: now, Stage: progress.StageJobStart},
		{JobID: 7, TS: now, Stage: progress.StageJobStart},
		{JobID: 7, TS: now, Stage: progress.StagePeriodStart, Period: "2025-07"},
		{
			JobID: 7, TS: now, Stage: progress.StagePageDone, Period: "2025-07", Page: 1,
			NotesFound: 10, Downloaded: 6, Skipped: 3, Duplicates: 1, Failed: 1, Retries: 4,
			Dur: 20 * time.Second,
		},
		{JobID: 7, TS: now, Stage: progress.StagePeriodDone, Period: "2025-07"},
		{JobID: 7, TS: now, Stage: progress.StagePeriodError, Period: "2025-08"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning), "duplicate starts count once")
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages))
	require.Equal(t, 10.0, testutil.ToFloat64(sink.notesFound))
	require.Equal(t, 6.0, testutil.ToFloat64(sink.downloads.WithLabelValues("success")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.downloads.WithLabelValues("skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.downloads.WithLabelValues("duplicate")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.downloads.WithLabelValues("failed")))
	require.Equal(t, 4.0, testutil.ToFloat64(sink.retries))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.periods.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.periods.WithLabelValues("error")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "harvester_page_duration_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: 7, TS: now, Stage: progress.StageJobCancelled, Dur: time.Minute},
		{JobID: 7, TS: now, Stage: progress.StageJobDone},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("cancelled")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: 1, TS: now, Stage: progress.StageJobStart},
		{JobID: 1, TS: now, Stage: progress.StagePageDone, Period: "2025-07", Page: 2, Downloaded: 3},
		{JobID: 1, TS: now, Stage: progress.StageJobError, Note: "login failed"},
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.Equal(t, int64(3), entries[1].ContextMap()["downloaded"])
	require.Equal(t, zap.WarnLevel, entries[2].Level)
	require.Equal(t, "login failed", entries[2].ContextMap()["note"])
}
