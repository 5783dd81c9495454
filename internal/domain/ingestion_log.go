package domain

import (
	"time"

	"github.com/google/uuid"
)

// IngestionLogEntry captures row level issues that occur during ingestion.
type IngestionLogEntry struct {
	ID        uuid.UUID `json:"id"`
	BatchID   uuid.UUID `json:"batch_id"`
	DatasetID int64     `json:"dataset_id"`
	FileName  string    `json:"file_name"`
	RowNumber *int      `json:"row_number,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
