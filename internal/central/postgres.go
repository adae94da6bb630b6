package central

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStorage stores objects as bytea rows
type PostgresStorage struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage connects to dsn and makes sure the object table exists
func NewPostgresStorage(ctx context.Context, dsn, table string, logger *zap.Logger) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStorage{pool: pool, table: pgx.Identifier{table}.Sanitize(), logger: logger}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name       TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create object table: %w", err)
	}
	return nil
}

// Upload stores r under name, replacing any previous object
func (s *PostgresStorage) Upload(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read object %s: %w", name, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, data) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, created_at = now()
	`, s.table)
	if _, err := s.pool.Exec(ctx, query, name, data); err != nil {
		return fmt.Errorf("failed to store object %s: %w", name, err)
	}

	s.logger.Debug("Object uploaded", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

// Download copies name into w
func (s *PostgresStorage) Download(ctx context.Context, name string, w io.Writer) error {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE name = $1`, s.table)

	var data []byte
	err := s.pool.QueryRow(ctx, query, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to load object %s: %w", name, err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write object %s: %w", name, err)
	}
	return nil
}

// Delete removes name
func (s *PostgresStorage) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, name); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", name, err)
	}
	return nil
}

// Close closes the pool
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
