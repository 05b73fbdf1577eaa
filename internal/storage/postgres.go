package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/visiontrack/internal/models"
)

// SignatureDim is the length of the class histogram stored with each output
const SignatureDim = 80

// PostgresStorage writes ledger records to PostgreSQL
type PostgresStorage struct {
	pool  *pgxpool.Pool
	runID string
}

// NewPostgresStorage connects to connString and registers the run
func NewPostgresStorage(ctx context.Context, connString, runID string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	_, err = pool.Exec(ctx,
		"INSERT INTO runs (id, started_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		runID, time.Now())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create run entry: %w", err)
	}

	return &PostgresStorage{pool: pool, runID: runID}, nil
}

// AddResult stores a record immediately
func (s *PostgresStorage) AddResult(ctx context.Context, record models.Record) error {
	detections := record.Detections
	if detections == nil {
		detections = []models.Detection{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO outputs
        (run_id, mode, input_path, output_path, detections, signature, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.runID, record.Mode, record.Input, record.Output, detections,
		pgvector.NewVector(Signature(record.Detections)), record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store output record: %w", err)
	}
	return nil
}

// Flush is a no-op for Postgres as records are saved immediately
func (s *PostgresStorage) Flush() error {
	return nil
}

// Close closes the database connection
func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Signature is the normalized class histogram of detections. Class ids beyond
// SignatureDim fold onto the histogram by modulo.
func Signature(detections []models.Detection) []float32 {
	sig := make([]float32, SignatureDim)
	if len(detections) == 0 {
		return sig
	}
	for _, d := range detections {
		idx := d.ClassID % SignatureDim
		if idx < 0 {
			idx += SignatureDim
		}
		sig[idx]++
	}
	total := float32(len(detections))
	for i := range sig {
		sig[i] /= total
	}
	return sig
}

// InitSchema creates the ledger schema if it doesn't exist
func InitSchema(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS runs (
            id UUID PRIMARY KEY,
            started_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS outputs (
            id SERIAL PRIMARY KEY,
            run_id UUID REFERENCES runs(id) ON DELETE CASCADE,
            mode VARCHAR(32) NOT NULL,
            input_path TEXT NOT NULL,
            output_path TEXT NOT NULL,
            detections JSONB NOT NULL,
            signature vector(%d),
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE INDEX IF NOT EXISTS idx_outputs_run_id ON outputs(run_id);
        CREATE INDEX IF NOT EXISTS idx_outputs_output_path ON outputs(output_path);
    `, SignatureDim))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	return nil
}
