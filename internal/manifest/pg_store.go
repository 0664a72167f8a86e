package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists manifests in Postgres for deployments where several
// workers share run state. The manifest body is stored as jsonb; the state
// column is duplicated for cheap listing.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPool creates a pgx connection pool with the given bounds.
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the runs table when missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id         uuid PRIMARY KEY,
			state      text NOT NULL,
			manifest   jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure runs table: %w", err)
	}
	return nil
}

func (s *PGStore) Save(ctx context.Context, m *RunManifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, state, manifest, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, manifest = EXCLUDED.manifest, updated_at = EXCLUDED.updated_at`,
		m.ID, string(m.State), data, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context, id uuid.UUID) (*RunManifest, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT manifest FROM runs WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return decode(data)
}

func (s *PGStore) List(ctx context.Context) ([]*RunManifest, error) {
	rows, err := s.pool.Query(ctx, `SELECT manifest FROM runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	var out []*RunManifest
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		m, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
