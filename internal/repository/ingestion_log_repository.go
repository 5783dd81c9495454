package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/biosurvey/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type ingestionLogRepository struct {
	db DBTX
}

// NewIngestionLogRepository wires a repository backed by pgx.
func NewIngestionLogRepository(db DBTX) IngestionLogRepository {
	return &ingestionLogRepository{db: db}
}

func (r *ingestionLogRepository) Record(ctx context.Context, entry domain.IngestionLogEntry) error {
	if r.db == nil {
		return fmt.Errorf("ingestion log repository not initialized")
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	var rowNumber any
	if entry.RowNumber != nil {
		rowNumber = *entry.RowNumber
	}

	_, err := r.db.Exec(
		ctx,
		`INSERT INTO ingestion_logs (id, batch_id, dataset_id, file_name, row_number, message)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		entry.BatchID,
		entry.DatasetID,
		entry.FileName,
		rowNumber,
		entry.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to record ingestion log: %w", err)
	}

	return nil
}

func (r *ingestionLogRepository) List(ctx context.Context, datasetID int64, batchID *uuid.UUID, limit int, offset int) ([]domain.IngestionLogEntry, error) {
	if r.db == nil {
		return nil, fmt.Errorf("ingestion log repository not initialized")
	}

	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(
		ctx,
		`SELECT id, batch_id, dataset_id, file_name, row_number, message, created_at
		 FROM ingestion_logs
		 WHERE dataset_id = $1
		   AND ($2::uuid IS NULL OR batch_id = $2)
		 ORDER BY created_at DESC, row_number
		 LIMIT $3 OFFSET $4`,
		datasetID,
		batchID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.IngestionLogEntry{}
	for rows.Next() {
		var (
			entry     domain.IngestionLogEntry
			rowNumber pgtype.Int4
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.BatchID,
			&entry.DatasetID,
			&entry.FileName,
			&rowNumber,
			&entry.Message,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingestion log: %w", scanErr)
		}

		if rowNumber.Valid {
			value := int(rowNumber.Int32)
			entry.RowNumber = &value
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}

		logs = append(logs, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingestion logs: %w", rowsErr)
	}

	return logs, nil
}
