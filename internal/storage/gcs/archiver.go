// Package gcs mirrors organized artifacts into Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

const xmlContentType = "application/xml"

// Uploader writes one object.
type Uploader interface {
	Upload(ctx context.Context, object, contentType string, r io.Reader) (string, error)
}

// BucketUploader writes objects into a single bucket.
type BucketUploader struct {
	client *storage.Client
	bucket string
}

// NewBucketUploader binds a storage client to a bucket.
func NewBucketUploader(client *storage.Client, bucket string) (*BucketUploader, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BucketUploader{client: client, bucket: bucket}, nil
}

// Upload copies r into the object and returns its gs:// URI.
func (u *BucketUploader) Upload(ctx context.Context, object, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(object) == "" {
		return "", fmt.Errorf("object name is required")
	}
	writer := u.client.Bucket(u.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", u.bucket, object), nil
}

// Config places archived objects.
type Config struct {
	// Prefix is prepended to every object name.
	Prefix string
	// Root is the local organized tree; object names keep the path below it.
	Root string
}

// Archiver is an ingestion sink that uploads each organized file, keeping
// its yyyy/mm/cnpj layout.
type Archiver struct {
	uploader Uploader
	cfg      Config
	logger   *zap.Logger
}

// NewArchiver builds an Archiver.
func NewArchiver(uploader Uploader, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Archiver{uploader: uploader, cfg: cfg, logger: logger.Named("archive")}, nil
}

// ObjectName maps a local organized path to its object name.
func (a *Archiver) ObjectName(localPath string) string {
	rel := filepath.Base(localPath)
	if a.cfg.Root != "" {
		if r, err := filepath.Rel(a.cfg.Root, localPath); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)
	if a.cfg.Prefix == "" {
		return rel
	}
	return path.Join(a.cfg.Prefix, rel)
}

// ProcessFiles implements harvest.IngestionSink.
func (a *Archiver) ProcessFiles(ctx context.Context, paths []string) (harvest.IngestResult, error) {
	res := harvest.IngestResult{Total: len(paths)}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("archive files: %w", err)
		}
		uri, err := a.upload(ctx, p)
		if err != nil {
			res.Errors++
			a.logger.Warn("archive upload failed", zap.String("path", p), zap.Error(err))
			continue
		}
		res.Success++
		a.logger.Debug("archived", zap.String("uri", uri))
	}
	return res, nil
}

func (a *Archiver) upload(ctx context.Context, p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	return a.uploader.Upload(ctx, a.ObjectName(p), xmlContentType, f)
}
