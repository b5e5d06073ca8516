package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/progress"
)

// LogSink writes every progress event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Page events are logged at debug
// level; lifecycle events at info, and errors at warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Int64("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Period != "" {
			fields = append(fields, zap.String("period", evt.Period))
		}
		if evt.Page > 0 {
			fields = append(fields,
				zap.Int("page", evt.Page),
				zap.Int("notes_found", evt.NotesFound),
				zap.Int("downloaded", evt.Downloaded),
				zap.Int("skipped", evt.Skipped),
				zap.Int("duplicates", evt.Duplicates),
				zap.Int("failed", evt.Failed),
				zap.Int("retries", evt.Retries),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StagePageDone:
			s.logger.Debug("progress event", fields...)
		case progress.StageJobError, progress.StagePeriodError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
