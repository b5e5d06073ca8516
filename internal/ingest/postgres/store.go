// Package postgres persists NFS-e records in Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/nfse-harvester/internal/nfse"
)

const defaultTable = "nfse_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes records into a table keyed by checksum. It assumes:
//
//	CREATE TABLE nfse_records (
//		checksum          TEXT PRIMARY KEY,
//		number            TEXT NOT NULL,
//		verification_code TEXT NOT NULL,
//		issued_at         TIMESTAMPTZ,
//		provider_cnpj     TEXT,
//		taker_document    TEXT,
//		taker_name        TEXT,
//		service_amount    TEXT,
//		source_path       TEXT NOT NULL,
//		ingested_at       TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool  execCloser
	table string
	now   func() time.Time
}

// New creates a pool-backed Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Insert stores rec unless its checksum is already present. It reports
// whether a row was written.
func (s *Store) Insert(ctx context.Context, rec nfse.Record, sourcePath string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("record store is not configured")
	}
	if rec.Checksum == "" {
		return false, fmt.Errorf("record checksum is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	checksum,
	number,
	verification_code,
	issued_at,
	provider_cnpj,
	taker_document,
	taker_name,
	service_amount,
	source_path,
	ingested_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (checksum) DO NOTHING`, s.table)

	var issued *time.Time
	if !rec.IssuedAt.IsZero() {
		t := rec.IssuedAt.UTC()
		issued = &t
	}
	tag, err := s.pool.Exec(ctx, query,
		rec.Checksum,
		rec.Number,
		rec.VerificationCode,
		issued,
		rec.ProviderCNPJ,
		rec.TakerDocument,
		rec.TakerName,
		rec.ServiceAmount,
		sourcePath,
		s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
