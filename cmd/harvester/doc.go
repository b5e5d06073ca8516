// Package main hosts the NFS-e harvester entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server starts, lists, inspects and cancels executions. Requests are validated
//     (CNPJ check digits, yyyy-mm-dd dates, non-inverted range) before the execution manager admits them.
//   - Execution manager: admits jobs under a concurrency ceiling, keeps in-memory job records with a bounded log
//     ring, and runs each job on its own goroutine. Cancellation is cooperative and observed at period and page
//     boundaries.
//   - Pipeline: each job launches its own Chrome session, logs in once, then walks every monthly period of the
//     requested range page by page, downloading each row's XML into a per-job staging directory.
//   - Dedup: downloaded files are checked against the organized tree (root/yyyy/mm/cnpj) by name, content, hash and
//     document number, then moved into the bucket of their real issue month. Files are never overwritten.
//   - Ingestion: organized files fan out to a log sink, optionally Postgres (pgx) and a GCS archive.
//   - Observability: zap logs carry job ids, periods and pages; the progress Hub batches lifecycle events into a
//     log sink and Prometheus collectors served on /metrics. Terminal jobs are optionally announced on Pub/Sub.
//
// Quick checklist:
//   - Configure HARVESTER_PORTAL_BASE_URL (required), HARVESTER_DEDUP_ROOT, HARVESTER_EXECUTION_MAX_CONCURRENT and,
//     when needed, HARVESTER_DB_DSN, HARVESTER_STORAGE_GCS_BUCKET and HARVESTER_PUBSUB_* settings.
//   - Serve the API: harvester serve --config config.yaml
//   - One-off harvest: harvester run --cnpj 11222333000181 --start 2025-01-01 --end 2025-03-31 (password from
//     HARVESTER_PASSWORD or --password).
package main
