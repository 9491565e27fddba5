package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Schema is applied by migrations; kept here so tests and tooling share one definition.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
  seq BIGINT PRIMARY KEY,
  job_id TEXT NOT NULL DEFAULT '',
  block_id TEXT NOT NULL DEFAULT '',
  event_type TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL,
  prev_hash TEXT NOT NULL DEFAULT '',
  hash TEXT NOT NULL,
  signature TEXT NOT NULL,
  signer_id TEXT NOT NULL,
  ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_job_idx ON ledger_entries (job_id, seq);
CREATE TABLE IF NOT EXISTS ledger_cursors (
  name TEXT PRIMARY KEY,
  seq BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PGStore persists the chain in Postgres. The payload column holds the JSON text exactly as
// written so recomputed hashes match.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PGStore) Insert(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		  (seq, job_id, block_id, event_type, reason, payload, prev_hash, hash, signature, signer_id, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.Seq, e.JobID, e.BlockID, e.EventType, e.Reason, string(payload),
		e.PrevHash, e.Hash, e.Signature, e.SignerID, e.Ts,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSeqConflict
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

const selectEntry = `SELECT seq, job_id, block_id, event_type, reason, payload, prev_hash, hash, signature, signer_id, ts FROM ledger_entries`

func (p *PGStore) Last(ctx context.Context) (*Entry, error) {
	rows, err := p.db.QueryContext(ctx, selectEntry+` ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("query ledger tail: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (p *PGStore) Page(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, selectEntry+` WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger page: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PGStore) ByJob(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, selectEntry+` WHERE job_id = $1 ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query ledger by job: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PGStore) Cursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `SELECT seq FROM ledger_cursors WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query ledger cursor: %w", err)
	}
	return seq, nil
}

func (p *PGStore) SetCursor(ctx context.Context, name string, seq int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_cursors (name, seq, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET seq = EXCLUDED.seq, updated_at = now()`, name, seq)
	if err != nil {
		return fmt.Errorf("update ledger cursor: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	out := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			payload string
			ts      time.Time
		)
		if err := rows.Scan(&e.Seq, &e.JobID, &e.BlockID, &e.EventType, &e.Reason, &payload,
			&e.PrevHash, &e.Hash, &e.Signature, &e.SignerID, &ts); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
		dec.UseNumber()
		if err := dec.Decode(&e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for seq %d: %w", e.Seq, err)
		}
		e.Ts = ts.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}
