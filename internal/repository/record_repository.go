package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/biosurvey/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const recordColumns = `id, dataset_id, data, site_id, datetime, ST_AsEWKB(geometry), species_name, name_id, source_info, created_at, updated_at`

// recordRepository implements RecordRepository interface
type recordRepository struct {
	db DBTX
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db DBTX) RecordRepository {
	return &recordRepository{db: db}
}

// Create inserts a record with its raw data, source info and any derived
// fields already set on it.
func (r *recordRepository) Create(ctx context.Context, record domain.Record) (domain.Record, error) {
	dataJSON, err := record.DataAsJSONB()
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to marshal data: %w", err)
	}
	sourceJSON, err := marshalSourceInfo(record.SourceInfo)
	if err != nil {
		return domain.Record{}, err
	}
	geometry, err := pointToEWKT(record.Geometry)
	if err != nil {
		return domain.Record{}, err
	}

	row := r.db.QueryRow(
		ctx,
		`INSERT INTO records (dataset_id, data, site_id, datetime, geometry, species_name, name_id, source_info)
		 VALUES ($1, $2, $3, $4, ST_GeomFromEWKT($5), $6, $7, $8)
		 RETURNING `+recordColumns,
		record.DatasetID,
		dataJSON,
		record.SiteID,
		record.Datetime,
		geometry,
		record.SpeciesName,
		record.NameID,
		sourceJSON,
	)
	created, err := scanRecord(row)
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to create record: %w", err)
	}
	return created, nil
}

// GetByID retrieves a record by ID
func (r *recordRepository) GetByID(ctx context.Context, id int64) (domain.Record, error) {
	row := r.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to get record: %w", err)
	}
	return record, nil
}

// UpdateData replaces the raw data of a record
func (r *recordRepository) UpdateData(ctx context.Context, id int64, data map[string]any) (domain.Record, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to marshal data: %w", err)
	}

	row := r.db.QueryRow(
		ctx,
		`UPDATE records SET data = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+recordColumns,
		id,
		dataJSON,
	)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to update record: %w", err)
	}
	return record, nil
}

// UpdateField writes a single derived column.
func (r *recordRepository) UpdateField(ctx context.Context, id int64, update domain.FieldUpdate) error {
	var (
		assignment string
		value      any
	)
	switch update.Field {
	case domain.RecordFieldSite:
		assignment, value = "site_id = $2", update.SiteID
	case domain.RecordFieldDatetime:
		assignment, value = "datetime = $2", update.Datetime
	case domain.RecordFieldGeometry:
		geometry, err := pointToEWKT(update.Geometry)
		if err != nil {
			return err
		}
		assignment, value = "geometry = ST_GeomFromEWKT($2)", geometry
	case domain.RecordFieldSpeciesName:
		assignment, value = "species_name = $2", update.SpeciesName
	case domain.RecordFieldNameID:
		assignment, value = "name_id = $2", update.NameID
	default:
		return fmt.Errorf("unknown record field %q", update.Field)
	}

	tag, err := r.db.Exec(
		ctx,
		`UPDATE records SET `+assignment+`, updated_at = now() WHERE id = $1`,
		id,
		value,
	)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", update.Field, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListByDataset retrieves a page of records together with the total count
func (r *recordRepository) ListByDataset(ctx context.Context, datasetID int64, limit int, offset int) ([]domain.Record, int, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(
		ctx,
		`SELECT `+recordColumns+`, count(*) OVER() AS total_count
		 FROM records
		 WHERE dataset_id = $1
		 ORDER BY id
		 LIMIT $2 OFFSET $3`,
		datasetID,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []domain.Record{}
	totalCount := 0
	for rows.Next() {
		var total int64
		record, scanErr := scanRecordWith(rows, &total)
		if scanErr != nil {
			return nil, 0, fmt.Errorf("failed to scan record: %w", scanErr)
		}
		totalCount = int(total)
		records = append(records, record)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, 0, fmt.Errorf("failed to iterate records: %w", rowsErr)
	}
	return records, totalCount, nil
}

// DeleteByDataset removes every record of a dataset
func (r *recordRepository) DeleteByDataset(ctx context.Context, datasetID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM records WHERE dataset_id = $1`, datasetID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByType returns record counts keyed by the owning dataset's type
func (r *recordRepository) CountByType(ctx context.Context) (map[domain.DatasetType]int64, error) {
	rows, err := r.db.Query(
		ctx,
		`SELECT d.type, count(r.id)
		 FROM records r
		 JOIN datasets d ON d.id = r.dataset_id
		 GROUP BY d.type`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	return collectTypeCounts(rows)
}

func marshalSourceInfo(info *domain.SourceInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source info: %w", err)
	}
	return raw, nil
}

func scanRecord(row pgx.Row) (domain.Record, error) {
	return scanRecordWith(row)
}

func scanRecordWith(row pgx.Row, extra ...any) (domain.Record, error) {
	var (
		record      domain.Record
		dataJSON    []byte
		siteID      pgtype.Int8
		datetime    pgtype.Timestamptz
		geometry    []byte
		speciesName pgtype.Text
		nameID      int32
		sourceJSON  []byte
	)
	dest := []any{
		&record.ID,
		&record.DatasetID,
		&dataJSON,
		&siteID,
		&datetime,
		&geometry,
		&speciesName,
		&nameID,
		&sourceJSON,
		&record.CreatedAt,
		&record.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Record{}, err
	}

	data, err := domain.DataFromJSONB(dataJSON)
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to decode data: %w", err)
	}
	record.Data = data
	record.NameID = int(nameID)

	if siteID.Valid {
		value := siteID.Int64
		record.SiteID = &value
	}
	if datetime.Valid {
		value := datetime.Time
		record.Datetime = &value
	}
	if speciesName.Valid {
		value := speciesName.String
		record.SpeciesName = &value
	}
	if record.Geometry, err = pointFromEWKB(geometry); err != nil {
		return domain.Record{}, err
	}
	if len(sourceJSON) > 0 {
		var info domain.SourceInfo
		if err := json.Unmarshal(sourceJSON, &info); err != nil {
			return domain.Record{}, fmt.Errorf("failed to decode source info: %w", err)
		}
		record.SourceInfo = &info
	}
	return record, nil
}
