package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/rpattn/biosurvey/internal/derive"
	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/metrics"
	"github.com/rpattn/biosurvey/internal/repository"
	"github.com/rpattn/biosurvey/internal/sites"
	"github.com/rpattn/biosurvey/pkg/validator"

	"github.com/google/uuid"
)

var (
	// ErrDatasetNotFound is returned when the target dataset does not exist.
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrRecordNotFound is returned when an updated record does not exist.
	ErrRecordNotFound = errors.New("record not found")
)

// SpeciesSource supplies the species name to name_id snapshot.
type SpeciesSource interface {
	Snapshot(ctx context.Context) (map[string]int, error)
}

// Service validates rows, persists records and commits their derived fields.
type Service struct {
	store     repository.Store
	validator *validator.RowValidator
	deriver   *derive.Deriver
	species   SpeciesSource
}

// NewService creates a new ingestion service. species may be nil, in which
// case every species name is left unresolved.
func NewService(store repository.Store, deriver *derive.Deriver, species SpeciesSource) *Service {
	return &Service{
		store:     store,
		validator: validator.NewRowValidator(),
		deriver:   deriver,
		species:   species,
	}
}

// Options are the per-batch switches.
type Options struct {
	// Strict reports schema violations as errors instead of warnings.
	Strict bool
	// CreateSite creates sites referenced by rows that do not exist yet.
	CreateSite bool
}

// Outcome is the per-row result. Row is the 1-based position in the batch.
type Outcome struct {
	Row      int               `json:"row"`
	RecordID *int64            `json:"recordId"`
	Errors   map[string]string `json:"errors"`
	Warnings map[string]string `json:"warnings"`
}

// Summary is the result of a batch.
type Summary struct {
	BatchID  uuid.UUID `json:"batchId"`
	Outcomes []Outcome `json:"results"`
	Accepted int       `json:"accepted"`
	Rejected int       `json:"rejected"`
}

// HasErrors reports whether any row was rejected.
func (s Summary) HasErrors() bool {
	return s.Rejected > 0
}

// batch carries what stays fixed while rows of one dataset are processed.
type batch struct {
	id       uuid.UUID
	dataset  domain.Dataset
	project  domain.Project
	steps    []derive.Step
	snapshot map[string]int
	opts     Options
}

// Dataset loads a dataset by ID.
func (s *Service) Dataset(ctx context.Context, id int64) (domain.Dataset, error) {
	dataset, err := s.store.Datasets().GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Dataset{}, fmt.Errorf("%w: %d", ErrDatasetNotFound, id)
	}
	return dataset, err
}

// Ingest streams rows from source into dataset. Each accepted record is
// created first and then every derived field is committed with its own
// write, so earlier rows and fields stay durable if a later write fails.
// Row problems are reported in the summary; the returned error is reserved
// for storage or source failures, and the summary then holds the rows
// processed so far.
func (s *Service) Ingest(ctx context.Context, dataset domain.Dataset, source RowSource, opts Options) (Summary, error) {
	started := time.Now()
	b, err := s.newBatch(ctx, dataset, opts)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{BatchID: b.id, Outcomes: []Outcome{}}

	for position := 1; ; position++ {
		if err := ctx.Err(); err != nil {
			return s.finish(summary, "upload", started, err)
		}
		row, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.finish(summary, "upload", started, fmt.Errorf("failed to read row %d: %w", position, err))
		}

		outcome, err := s.processRow(ctx, s.store, b, position, row)
		if err != nil {
			return s.finish(summary, "upload", started, err)
		}
		summary.add(outcome)
	}

	return s.finish(summary, "upload", started, nil)
}

// IngestBulk is Ingest for API payloads: each item is created and derived
// inside its own transaction, so an item is either fully stored or absent.
func (s *Service) IngestBulk(ctx context.Context, dataset domain.Dataset, items []map[string]any, opts Options) (Summary, error) {
	started := time.Now()
	b, err := s.newBatch(ctx, dataset, opts)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{BatchID: b.id, Outcomes: make([]Outcome, 0, len(items))}

	source := NewSliceSource(items)
	for position := 1; ; position++ {
		row, err := source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.finish(summary, "bulk", started, err)
		}

		var outcome Outcome
		err = s.store.WithTx(ctx, func(tx repository.Store) error {
			var txErr error
			outcome, txErr = s.processRow(ctx, tx, b, position, row)
			return txErr
		})
		if err != nil {
			return s.finish(summary, "bulk", started, err)
		}
		summary.add(outcome)
	}

	return s.finish(summary, "bulk", started, nil)
}

// Update replaces a record's data, then re-derives its fields. A row that
// fails validation leaves the record untouched.
func (s *Service) Update(ctx context.Context, recordID int64, data map[string]any, opts Options) (Outcome, domain.Record, error) {
	record, err := s.store.Records().GetByID(ctx, recordID)
	if errors.Is(err, repository.ErrNotFound) {
		return Outcome{}, domain.Record{}, fmt.Errorf("%w: %d", ErrRecordNotFound, recordID)
	}
	if err != nil {
		return Outcome{}, domain.Record{}, err
	}
	dataset, err := s.Dataset(ctx, record.DatasetID)
	if err != nil {
		return Outcome{}, domain.Record{}, err
	}
	b, err := s.newBatch(ctx, dataset, opts)
	if err != nil {
		return Outcome{}, domain.Record{}, err
	}

	result := s.validator.Validate(dataset.Schema, data, opts.Strict)
	outcome := Outcome{Row: 1, Errors: result.Errors, Warnings: result.Warnings}
	if result.HasErrors() {
		return outcome, record, nil
	}

	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		updated, txErr := tx.Records().UpdateData(ctx, recordID, data)
		if txErr != nil {
			return txErr
		}
		record, txErr = s.deriveFields(ctx, tx, b, updated)
		return txErr
	})
	if err != nil {
		return Outcome{}, domain.Record{}, err
	}
	outcome.RecordID = &record.ID
	return outcome, record, nil
}

// ClearDataset deletes all records of a dataset ahead of a replacing upload.
func (s *Service) ClearDataset(ctx context.Context, datasetID int64) (int64, error) {
	deleted, err := s.store.Records().DeleteByDataset(ctx, datasetID)
	if err != nil {
		return 0, err
	}
	log.Printf("[INGEST] deleted %d previous records of dataset %d", deleted, datasetID)
	return deleted, nil
}

// Statistics counts projects, sites, datasets and records.
func (s *Service) Statistics(ctx context.Context) (domain.Statistics, error) {
	var (
		stats domain.Statistics
		err   error
	)
	if stats.Projects, err = s.store.Projects().Count(ctx); err != nil {
		return stats, err
	}
	if stats.Sites, err = s.store.Sites().Count(ctx); err != nil {
		return stats, err
	}
	if stats.Datasets, err = s.store.Datasets().CountByType(ctx); err != nil {
		return stats, err
	}
	if stats.Records, err = s.store.Records().CountByType(ctx); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Service) newBatch(ctx context.Context, dataset domain.Dataset, opts Options) (*batch, error) {
	steps, err := derive.Plan(dataset.Type)
	if err != nil {
		return nil, err
	}
	project, err := s.store.Projects().GetByID(ctx, dataset.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project of dataset %d: %w", dataset.ID, err)
	}

	b := &batch{
		id:      uuid.New(),
		dataset: dataset,
		project: project,
		steps:   steps,
		opts:    opts,
	}
	for _, step := range steps {
		if step == derive.StepSpecies {
			b.snapshot = s.speciesSnapshot(ctx)
		}
	}
	return b, nil
}

// speciesSnapshot never fails the batch: without a snapshot every name
// resolves to the unresolved name_id.
func (s *Service) speciesSnapshot(ctx context.Context) map[string]int {
	if s.species == nil {
		return map[string]int{}
	}
	snapshot, err := s.species.Snapshot(ctx)
	if err != nil {
		log.Printf("[SPECIES] snapshot unavailable, names stay unresolved: %v", err)
		return map[string]int{}
	}
	return snapshot
}

// processRow validates one row and, when acceptable, stores it and its
// derived fields through store.
func (s *Service) processRow(ctx context.Context, store repository.Store, b *batch, position int, row Row) (Outcome, error) {
	result := s.validator.Validate(b.dataset.Schema, row.Data, b.opts.Strict)
	outcome := Outcome{Row: position, Errors: result.Errors, Warnings: result.Warnings}

	if result.HasErrors() {
		metrics.ObserveRow(string(b.dataset.Type), metrics.RowRejected, result.HasWarnings())
		s.logRejectedRow(ctx, store, b, row, result.Messages())
		return outcome, nil
	}

	var source *domain.SourceInfo
	if row.FileName != "" || row.SourceRow > 0 {
		source = &domain.SourceInfo{FileName: row.FileName, Row: row.SourceRow}
	}

	record, err := store.Records().Create(ctx, domain.NewRecord(b.dataset.ID, row.Data, source))
	if err != nil {
		return outcome, fmt.Errorf("row %d: %w", position, err)
	}
	if _, err := s.deriveFields(ctx, store, b, record); err != nil {
		return outcome, fmt.Errorf("row %d: %w", position, err)
	}

	metrics.ObserveRow(string(b.dataset.Type), metrics.RowAccepted, result.HasWarnings())
	outcome.RecordID = &record.ID
	return outcome, nil
}

// deriveFields runs the dataset's derivation plan against record and commits
// every resulting field update on its own. Derivations that cannot cast
// their source column are logged and skipped.
func (s *Service) deriveFields(ctx context.Context, store repository.Store, b *batch, record domain.Record) (domain.Record, error) {
	in := derive.Input{
		Dataset:     b.dataset,
		Project:     b.project,
		Row:         record.Data,
		Current:     record,
		Resolver:    sites.NewResolver(store.Sites()),
		Snapshot:    b.snapshot,
		ForceCreate: b.opts.CreateSite,
	}

	for _, step := range b.steps {
		updates, err := s.deriver.Run(ctx, step, in)
		if err != nil {
			if !derive.IsDegraded(err) {
				return record, err
			}
			metrics.IncDerivationFailure(string(step))
			log.Printf("[INGEST] record %d: %v", record.ID, err)
		}

		for _, update := range updates {
			if err := store.Records().UpdateField(ctx, record.ID, update); err != nil {
				return record, err
			}
			if record, err = update.Apply(record); err != nil {
				return record, err
			}
		}
		in.Current = record
	}
	return record, nil
}

func (s *Service) logRejectedRow(ctx context.Context, store repository.Store, b *batch, row Row, messages []string) {
	entry := domain.IngestionLogEntry{
		BatchID:   b.id,
		DatasetID: b.dataset.ID,
		FileName:  row.FileName,
		Message:   strings.Join(messages, "; "),
	}
	if row.SourceRow > 0 {
		rowNumber := row.SourceRow
		entry.RowNumber = &rowNumber
	}
	if err := store.IngestionLogs().Record(ctx, entry); err != nil {
		log.Printf("[INGEST] failed to record ingestion log: %v", err)
	}
}

func (s *Service) finish(summary Summary, source string, started time.Time, err error) (Summary, error) {
	result := metrics.BatchSuccess
	switch {
	case err != nil:
		result = metrics.BatchFailed
	case summary.HasErrors():
		result = metrics.BatchErrors
	}
	metrics.ObserveBatch(source, result, time.Since(started))
	log.Printf("[INGEST] batch %s (%s): %d accepted, %d rejected in %s", summary.BatchID, source, summary.Accepted, summary.Rejected, time.Since(started))
	return summary, err
}

func (s *Summary) add(outcome Outcome) {
	s.Outcomes = append(s.Outcomes, outcome)
	if outcome.RecordID != nil {
		s.Accepted++
	} else {
		s.Rejected++
	}
}
