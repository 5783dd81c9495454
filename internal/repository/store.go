package repository

import (
	"context"

	"github.com/rpattn/biosurvey/internal/db"

	"github.com/jackc/pgx/v5"
)

// pgStore binds every repository to the same DBTX. conn is nil for a store
// created inside a transaction.
type pgStore struct {
	conn *db.Connection
	q    DBTX
}

// NewPostgresStore returns a Store backed by the connection pool.
func NewPostgresStore(conn *db.Connection) Store {
	return &pgStore{conn: conn, q: conn.Pool}
}

func (s *pgStore) Projects() ProjectRepository           { return NewProjectRepository(s.q) }
func (s *pgStore) Datasets() DatasetRepository           { return NewDatasetRepository(s.q) }
func (s *pgStore) Sites() SiteRepository                 { return NewSiteRepository(s.q) }
func (s *pgStore) Records() RecordRepository             { return NewRecordRepository(s.q) }
func (s *pgStore) IngestionLogs() IngestionLogRepository { return NewIngestionLogRepository(s.q) }

// WithTx runs fn inside a transaction, or directly when already inside one.
func (s *pgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.conn == nil {
		return fn(s)
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgStore{q: tx})
	})
}
