package repository

import (
	"context"
	"errors"

	"github.com/rpattn/biosurvey/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned (wrapped) when a lookup by identifier matches nothing.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so repositories can run
// inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProjectRepository defines the interface for project operations
type ProjectRepository interface {
	Create(ctx context.Context, project domain.Project) (domain.Project, error)
	GetByID(ctx context.Context, id int64) (domain.Project, error)
	List(ctx context.Context) ([]domain.Project, error)
	Count(ctx context.Context) (int64, error)
}

// DatasetRepository defines the interface for dataset operations
type DatasetRepository interface {
	Create(ctx context.Context, dataset domain.Dataset) (domain.Dataset, error)
	GetByID(ctx context.Context, id int64) (domain.Dataset, error)
	ListByProject(ctx context.Context, projectID int64) ([]domain.Dataset, error)
	CountByType(ctx context.Context) (map[domain.DatasetType]int64, error)
}

// SiteRepository defines the interface for site operations
type SiteRepository interface {
	// FindByKey returns the first site of the project whose natural key field
	// equals value, or nil when there is none.
	FindByKey(ctx context.Context, projectID int64, keyField, value string) (*domain.Site, error)
	// CreateOrGet inserts the site, or returns the existing row when another
	// writer already holds the same (project, code). created reports which.
	CreateOrGet(ctx context.Context, site domain.Site) (stored domain.Site, created bool, err error)
	GetByIDs(ctx context.Context, ids []int64) ([]domain.Site, error)
	ListByProject(ctx context.Context, projectID int64) ([]domain.Site, error)
	Count(ctx context.Context) (int64, error)
}

// RecordRepository defines the interface for record operations
type RecordRepository interface {
	Create(ctx context.Context, record domain.Record) (domain.Record, error)
	GetByID(ctx context.Context, id int64) (domain.Record, error)
	UpdateData(ctx context.Context, id int64, data map[string]any) (domain.Record, error)
	// UpdateField persists exactly one derived column of the record.
	UpdateField(ctx context.Context, id int64, update domain.FieldUpdate) error
	ListByDataset(ctx context.Context, datasetID int64, limit int, offset int) ([]domain.Record, int, error)
	DeleteByDataset(ctx context.Context, datasetID int64) (int64, error)
	CountByType(ctx context.Context) (map[domain.DatasetType]int64, error)
}

// IngestionLogRepository stores ingestion errors for observability.
type IngestionLogRepository interface {
	Record(ctx context.Context, entry domain.IngestionLogEntry) error
	List(ctx context.Context, datasetID int64, batchID *uuid.UUID, limit int, offset int) ([]domain.IngestionLogEntry, error)
}

// Store groups the repositories used by ingestion. WithTx runs fn against a
// Store whose repositories share one transaction; calling WithTx on a Store
// that is already transactional runs fn in the same transaction.
type Store interface {
	Projects() ProjectRepository
	Datasets() DatasetRepository
	Sites() SiteRepository
	Records() RecordRepository
	IngestionLogs() IngestionLogRepository
	WithTx(ctx context.Context, fn func(Store) error) error
}
