package ingest

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/nfse"
)

// LogSink logs the identifying fields of each artifact. It is the fallback
// sink when no database is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("ingest")}
}

// ProcessFiles implements harvest.IngestionSink.
func (s *LogSink) ProcessFiles(_ context.Context, paths []string) (harvest.IngestResult, error) {
	res := harvest.IngestResult{Total: len(paths)}
	for _, path := range paths {
		fields, err := nfse.ExtractFile(path)
		if err != nil {
			res.Errors++
			s.logger.Warn("artifact unreadable", zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		res.Success++
		s.logger.Info("artifact ingested",
			zap.String("file", filepath.Base(path)),
			zap.String("number", fields.Number),
			zap.Time("issued_at", fields.IssuedAt))
	}
	return res, nil
}
