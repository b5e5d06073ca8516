// Package ingest turns organized NFS-e artifacts into structured records and
// fans them out to persistence and archive sinks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/nfse"
)

// RecordStore persists parsed records. Insert reports false when a record
// with the same checksum already exists; that is not an error.
type RecordStore interface {
	Insert(ctx context.Context, rec nfse.Record, sourcePath string) (bool, error)
}

// Records parses each file and hands the record to a RecordStore.
type Records struct {
	store  RecordStore
	logger *zap.Logger
}

// NewRecords wires a store into an ingestion sink.
func NewRecords(store RecordStore, logger *zap.Logger) (*Records, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Records{store: store, logger: logger.Named("ingest")}, nil
}

// ProcessFiles parses and stores every path. Per-file failures are counted,
// not returned; only cancellation aborts the batch.
func (r *Records) ProcessFiles(ctx context.Context, paths []string) (harvest.IngestResult, error) {
	res := harvest.IngestResult{Total: len(paths)}
	var inserted int
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ingest records: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			res.Errors++
			r.logger.Warn("read artifact failed", zap.String("path", path), zap.Error(err))
			continue
		}
		rec, err := nfse.ParseRecord(data)
		if err != nil {
			res.Errors++
			r.logger.Warn("parse artifact failed", zap.String("path", path), zap.Error(err))
			continue
		}
		ok, err := r.store.Insert(ctx, rec, path)
		if err != nil {
			res.Errors++
			r.logger.Error("store record failed",
				zap.String("path", path),
				zap.String("checksum", rec.Checksum),
				zap.Error(err))
			continue
		}
		res.Success++
		if ok {
			inserted++
		}
	}
	r.logger.Debug("records ingested",
		zap.Int("total", res.Total),
		zap.Int("inserted", inserted),
		zap.Int("errors", res.Errors))
	return res, nil
}

// Multi fans every batch out to all sinks in order. Results are summed
// across sinks and errors are joined; one failing sink never stops the rest.
type Multi []harvest.IngestionSink

// ProcessFiles implements harvest.IngestionSink.
func (m Multi) ProcessFiles(ctx context.Context, paths []string) (harvest.IngestResult, error) {
	var (
		total harvest.IngestResult
		errs  []error
	)
	for _, sink := range m {
		if sink == nil {
			continue
		}
		res, err := sink.ProcessFiles(ctx, paths)
		total.Add(res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
