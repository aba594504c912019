package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/firm/internal/types"
)

// Store is the sighting journal: every announced recognition, with the
// encoding that triggered it, in PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
// Embeddings are unconstrained vectors so engines with any descriptor size fit.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			app_version TEXT NOT NULL,
			registry_size INT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS sightings (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
			identity TEXT NOT NULL,
			frame_seq BIGINT NOT NULL,
			seen_at TIMESTAMPTZ NOT NULL,
			image_name TEXT,
			embedding VECTOR NOT NULL
		);
		CREATE INDEX IF NOT EXISTS sightings_identity_idx ON sightings (identity);
		CREATE INDEX IF NOT EXISTS sightings_seen_at_idx ON sightings (seen_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// BeginRun registers a pipeline run and returns the journal its sightings go to.
func (s *Store) BeginRun(ctx context.Context, runID, version string, registrySize int) (*Journal, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, app_version, registry_size, started_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET started_at = NOW()
	`, runID, version, registrySize)
	if err != nil {
		return nil, fmt.Errorf("failed to register run: %w", err)
	}
	return &Journal{store: s, runID: runID}, nil
}

// Journal records the sightings of one run. Safe for concurrent use.
type Journal struct {
	store *Store
	runID string
}

func (j *Journal) RunID() string { return j.runID }

// RecordSighting saves an announced recognition.
func (j *Journal) RecordSighting(ctx context.Context, sg types.Sighting) error {
	if len(sg.Encoding) == 0 {
		return errors.New("sighting has no encoding")
	}
	var image *string
	if sg.ImageName != "" {
		image = &sg.ImageName
	}
	_, err := j.store.pool.Exec(ctx, `
		INSERT INTO sightings (run_id, identity, frame_seq, seen_at, image_name, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::vector)
	`, j.runID, sg.Identity, int64(sg.FrameSeq), sg.SeenAt, image, toVector(sg.Encoding))
	return err
}

func toVector(enc types.Encoding) pgvector.Vector {
	v := make([]float32, len(enc))
	for i, x := range enc {
		v[i] = float32(x)
	}
	return pgvector.NewVector(v)
}

// SightingRecord is a journal row.
type SightingRecord struct {
	ID        int64
	RunID     string
	Identity  string
	FrameSeq  uint64
	SeenAt    time.Time
	ImageName string
	Distance  float64 // only set by NearestSightings
}

// ListSightings returns the most recent sightings, newest first. identity
// filters when non-empty.
func (s *Store) ListSightings(ctx context.Context, identity string, limit int) ([]SightingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, identity, frame_seq, seen_at, COALESCE(image_name, ''), 0::float8
		FROM sightings
		WHERE $1 = '' OR identity = $1
		ORDER BY seen_at DESC, id DESC
		LIMIT $2
	`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query sightings: %w", err)
	}
	return scanSightings(rows)
}

// NearestSightings searches the journal for the sightings whose encoding is
// closest (Euclidean) to enc, within maxDistance.
func (s *Store) NearestSightings(ctx context.Context, enc types.Encoding, maxDistance float64, limit int) ([]SightingRecord, error) {
	// <-> is the L2 distance operator in pgvector, the metric the matcher uses
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, identity, frame_seq, seen_at, COALESCE(image_name, ''), embedding <-> $1::vector AS distance
		FROM sightings
		WHERE vector_dims(embedding) = $2 AND embedding <-> $1::vector <= $3
		ORDER BY distance ASC
		LIMIT $4
	`, toVector(enc), len(enc), maxDistance, limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest sightings: %w", err)
	}
	return scanSightings(rows)
}

func scanSightings(rows pgx.Rows) ([]SightingRecord, error) {
	defer rows.Close()
	var out []SightingRecord
	for rows.Next() {
		var r SightingRecord
		var seq int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Identity, &seq, &r.SeenAt, &r.ImageName, &r.Distance); err != nil {
			return nil, err
		}
		r.FrameSeq = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// IdentitySummary aggregates the journal per identity.
type IdentitySummary struct {
	Identity  string
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// SummarizeIdentities returns one row per identity, most recently seen first.
func (s *Store) SummarizeIdentities(ctx context.Context) ([]IdentitySummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity, COUNT(*), MIN(seen_at), MAX(seen_at)
		FROM sightings
		GROUP BY identity
		ORDER BY MAX(seen_at) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentitySummary
	for rows.Next() {
		var i IdentitySummary
		if err := rows.Scan(&i.Identity, &i.Count, &i.FirstSeen, &i.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the journal.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS sightings CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
	`)
	return err
}
