package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/biosurvey/internal/domain"

	"github.com/jackc/pgx/v5"
)

const datasetColumns = `id, project_id, name, description, type, schema, created_at, updated_at`

// datasetRepository implements DatasetRepository interface
type datasetRepository struct {
	db DBTX
}

// NewDatasetRepository creates a new dataset repository
func NewDatasetRepository(db DBTX) DatasetRepository {
	return &datasetRepository{db: db}
}

// Create creates a new dataset
func (r *datasetRepository) Create(ctx context.Context, dataset domain.Dataset) (domain.Dataset, error) {
	schemaJSON, err := dataset.Schema.MarshalJSONB()
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("failed to marshal schema: %w", err)
	}

	row := r.db.QueryRow(
		ctx,
		`INSERT INTO datasets (project_id, name, description, type, schema)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+datasetColumns,
		dataset.ProjectID,
		dataset.Name,
		dataset.Description,
		string(dataset.Type),
		schemaJSON,
	)
	created, err := scanDataset(row)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("failed to create dataset: %w", err)
	}
	return created, nil
}

// GetByID retrieves a dataset by ID
func (r *datasetRepository) GetByID(ctx context.Context, id int64) (domain.Dataset, error) {
	row := r.db.QueryRow(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id)
	dataset, err := scanDataset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Dataset{}, fmt.Errorf("dataset %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("failed to get dataset: %w", err)
	}
	return dataset, nil
}

// ListByProject retrieves the datasets of a project
func (r *datasetRepository) ListByProject(ctx context.Context, projectID int64) ([]domain.Dataset, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE project_id = $1 ORDER BY id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	datasets := []domain.Dataset{}
	for rows.Next() {
		dataset, scanErr := scanDataset(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", scanErr)
		}
		datasets = append(datasets, dataset)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate datasets: %w", rowsErr)
	}
	return datasets, nil
}

// CountByType returns dataset counts keyed by dataset type
func (r *datasetRepository) CountByType(ctx context.Context) (map[domain.DatasetType]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT type, count(*) FROM datasets GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count datasets: %w", err)
	}
	return collectTypeCounts(rows)
}

func collectTypeCounts(rows pgx.Rows) (map[domain.DatasetType]int64, error) {
	defer rows.Close()

	counts := map[domain.DatasetType]int64{
		domain.DatasetTypeGeneric:            0,
		domain.DatasetTypeObservation:        0,
		domain.DatasetTypeSpeciesObservation: 0,
	}
	for rows.Next() {
		var (
			datasetType string
			count       int64
		)
		if err := rows.Scan(&datasetType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[domain.DatasetType(datasetType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}

func scanDataset(row pgx.Row) (domain.Dataset, error) {
	var (
		dataset     domain.Dataset
		datasetType string
		schemaJSON  []byte
	)
	if err := row.Scan(
		&dataset.ID,
		&dataset.ProjectID,
		&dataset.Name,
		&dataset.Description,
		&datasetType,
		&schemaJSON,
		&dataset.CreatedAt,
		&dataset.UpdatedAt,
	); err != nil {
		return domain.Dataset{}, err
	}

	schema, err := domain.SchemaFromJSONB(schemaJSON)
	if err != nil {
		return domain.Dataset{}, fmt.Errorf("failed to decode schema: %w", err)
	}
	dataset.Type = domain.DatasetType(datasetType)
	dataset.Schema = schema
	return dataset, nil
}
