package store

import (
	"context"
	"database/sql"
	"fmt"
)

const Schema = `
CREATE TABLE IF NOT EXISTS evolution_jobs (
  id UUID PRIMARY KEY,
  name TEXT NOT NULL,
  block_id TEXT NOT NULL,
  base_model TEXT NOT NULL,
  dataset_ref TEXT NOT NULL,
  dataset_size INTEGER NOT NULL DEFAULT 0,
  hyperparameters JSONB NOT NULL,
  criteria JSONB NOT NULL,
  baseline DOUBLE PRECISION NOT NULL,
  strategy TEXT NOT NULL,
  votes JSONB NOT NULL DEFAULT '[]',
  fingerprint TEXT NOT NULL,
  status TEXT NOT NULL,
  status_reason TEXT NOT NULL DEFAULT '',
  attempts INTEGER NOT NULL DEFAULT 0,
  worker_id TEXT NOT NULL DEFAULT '',
  claimed_at TIMESTAMPTZ,
  heartbeat_at TIMESTAMPTZ,
  not_before TIMESTAMPTZ,
  promotion_deferred BOOLEAN NOT NULL DEFAULT false,
  promoted_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS evolution_jobs_status_idx ON evolution_jobs (status, created_at);
CREATE INDEX IF NOT EXISTS evolution_jobs_block_idx ON evolution_jobs (block_id, status);

CREATE TABLE IF NOT EXISTS training_results (
  job_id UUID PRIMARY KEY REFERENCES evolution_jobs(id),
  artifact_ref TEXT NOT NULL,
  checksum TEXT NOT NULL,
  artifact_bytes BIGINT NOT NULL,
  train_loss DOUBLE PRECISION NOT NULL,
  eval_loss DOUBLE PRECISION NOT NULL,
  candidate_accuracy DOUBLE PRECISION NOT NULL,
  received_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS canary_reports (
  job_id UUID PRIMARY KEY REFERENCES evolution_jobs(id),
  sample_ids TEXT[] NOT NULL,
  error_rate DOUBLE PRECISION NOT NULL,
  latency_delta_ms DOUBLE PRECISION NOT NULL,
  passed BOOLEAN NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  completed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS feed_submissions (
  key TEXT PRIMARY KEY,
  block_id TEXT NOT NULL,
  correct BIGINT NOT NULL,
  total BIGINT NOT NULL,
  ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS feed_submissions_block_ts_idx ON feed_submissions (block_id, ts);

CREATE TABLE IF NOT EXISTS failure_samples (
  id TEXT PRIMARY KEY,
  block_id TEXT NOT NULL,
  input_ref TEXT NOT NULL,
  failure_reason TEXT NOT NULL DEFAULT '',
  partition TEXT NOT NULL,
  collected_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS failure_samples_block_idx ON failure_samples (block_id, partition, collected_at);

CREATE TABLE IF NOT EXISTS live_artifacts (
  block_id TEXT PRIMARY KEY,
  job_id UUID NOT NULL,
  artifact_ref TEXT NOT NULL,
  checksum TEXT NOT NULL,
  activated_at TIMESTAMPTZ NOT NULL,
  previous_job_id UUID,
  previous_ref TEXT NOT NULL DEFAULT '',
  previous_checksum TEXT NOT NULL DEFAULT '',
  previous_activated_at TIMESTAMPTZ,
  monitor_until TIMESTAMPTZ,
  reverted BOOLEAN NOT NULL DEFAULT false
);`

// Migrate applies the given schemas in order. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB, schemas ...string) error {
	for i, schema := range schemas {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("apply schema %d: %w", i, err)
		}
	}
	return nil
}
