package ingestion

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/biosurvey/internal/derive"
	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/repository"
	"github.com/rpattn/biosurvey/internal/repository/memory"
	"github.com/rpattn/biosurvey/internal/species"
	"github.com/rpattn/biosurvey/pkg/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var speciesSchema = domain.SchemaDescriptor{
	Fields: []domain.FieldDefinition{
		{Name: "Site", Type: domain.FieldTypeString},
		{Name: "Date", Type: domain.FieldTypeDate, Role: domain.RoleObservationDate, Constraints: domain.Constraints{Required: true}},
		{Name: "Latitude", Type: domain.FieldTypeNumber, Role: domain.RoleLatitude},
		{Name: "Longitude", Type: domain.FieldTypeNumber, Role: domain.RoleLongitude},
		{Name: "Species Name", Type: domain.FieldTypeString, Role: domain.RoleSpeciesName},
	},
	ForeignKeys: []domain.ForeignKey{
		{Fields: "Site", Reference: domain.ForeignKeyReference{Resource: domain.SiteResource, Fields: "code"}},
	},
}

func newTestService(t *testing.T, snapshot species.Static) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewService(store, derive.New(derive.Options{}), snapshot), store
}

func seedDataset(t *testing.T, store *memory.Store, datasetType domain.DatasetType, descriptor domain.SchemaDescriptor) domain.Dataset {
	t.Helper()
	ctx := context.Background()
	project, err := store.Projects().Create(ctx, domain.NewProject("Survey", "SV", "Australia/Perth"))
	require.NoError(t, err)
	dataset, err := store.Datasets().Create(ctx, domain.NewDataset(project.ID, "observations", datasetType, descriptor))
	require.NoError(t, err)
	return dataset
}

func listRecords(t *testing.T, store *memory.Store, datasetID int64) []domain.Record {
	t.Helper()
	records, _, err := store.Records().ListByDataset(context.Background(), datasetID, 100, 0)
	require.NoError(t, err)
	return records
}

var errGeometryWrite = errors.New("geometry write failed")

// geometryFailingStore fails the nth geometry write and passes everything
// else to the wrapped memory store.
type geometryFailingStore struct {
	*memory.Store
	failOn int
	calls  *int
}

func newGeometryFailingStore(failOn int) geometryFailingStore {
	return geometryFailingStore{Store: memory.NewStore(), failOn: failOn, calls: new(int)}
}

func (s geometryFailingStore) Records() repository.RecordRepository {
	return geometryFailingRecords{RecordRepository: s.Store.Records(), store: s}
}

func (s geometryFailingStore) WithTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.Store.WithTx(ctx, func(repository.Store) error { return fn(s) })
}

type geometryFailingRecords struct {
	repository.RecordRepository
	store geometryFailingStore
}

func (r geometryFailingRecords) UpdateField(ctx context.Context, id int64, update domain.FieldUpdate) error {
	if update.Field == domain.RecordFieldGeometry {
		*r.store.calls++
		if *r.store.calls == r.store.failOn {
			return errGeometryWrite
		}
	}
	return r.RecordRepository.UpdateField(ctx, id, update)
}

func TestIngestCSVGenericStrict(t *testing.T) {
	service, store := newTestService(t, nil)
	dataset := seedDataset(t, store, domain.DatasetTypeGeneric, domain.SchemaDescriptor{
		Fields: []domain.FieldDefinition{
			{Name: "Column A", Type: domain.FieldTypeString},
			{Name: "Column B", Type: domain.FieldTypeString},
		},
	})

	source, err := NewFileSource("generic.csv", FormatCSV, []byte("Column A,Column B\nA1,B1\nA2,B2\n"))
	require.NoError(t, err)

	summary, err := service.Ingest(context.Background(), dataset, source, Options{Strict: true})
	require.NoError(t, err)
	assert.False(t, summary.HasErrors())
	assert.Equal(t, 2, summary.Accepted)

	records := listRecords(t, store, dataset.ID)
	require.Len(t, records, 2)
	assert.Equal(t, map[string]any{"Column A": "A1", "Column B": "B1"}, records[0].Data)
	assert.Equal(t, &domain.SourceInfo{FileName: "generic.csv", Row: 2}, records[0].SourceInfo)
	assert.Equal(t, 3, records[1].SourceInfo.Row)
}

func TestIngestPreservesOrderAndContinuesPastRejectedRows(t *testing.T) {
	service, store := newTestService(t, nil)
	dataset := seedDataset(t, store, domain.DatasetTypeObservation, speciesSchema)

	items := []map[string]any{
		{"Date": "01/02/2020"},
		{"Date": ""},
		nil,
		{"Date": "2020-02-03"},
	}
	summary, err := service.IngestBulk(context.Background(), dataset, items, Options{Strict: true})
	require.NoError(t, err)
	require.Len(t, summary.Outcomes, len(items))

	for i, outcome := range summary.Outcomes {
		assert.Equal(t, i+1, outcome.Row)
	}
	assert.NotNil(t, summary.Outcomes[0].RecordID)
	assert.Nil(t, summary.Outcomes[1].RecordID)
	assert.Contains(t, summary.Outcomes[1].Errors, "Date")
	assert.Equal(t, validator.EmptyRowMessage, summary.Outcomes[2].Errors[validator.DataKey])
	assert.NotNil(t, summary.Outcomes[3].RecordID)
	assert.True(t, summary.HasErrors())
	assert.Equal(t, 2, summary.Accepted)
	assert.Equal(t, 2, summary.Rejected)

	logs, err := store.IngestionLogs().List(context.Background(), dataset.ID, &summary.BatchID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestIngestLenientDowngradesViolations(t *testing.T) {
	service, store := newTestService(t, nil)
	dataset := seedDataset(t, store, domain.DatasetTypeObservation, speciesSchema)

	items := []map[string]any{{"Date": "", "Latitude": "north", "Extra": "x"}}

	strict, err := service.IngestBulk(context.Background(), dataset, items, Options{Strict: true})
	require.NoError(t, err)
	assert.True(t, strict.HasErrors())
	assert.Contains(t, strict.Outcomes[0].Errors, "Latitude")
	assert.Contains(t, strict.Outcomes[0].Warnings, "Extra")

	lenient, err := service.IngestBulk(context.Background(), dataset, items, Options{})
	require.NoError(t, err)
	assert.False(t, lenient.HasErrors())
	assert.Empty(t, lenient.Outcomes[0].Errors)
	assert.Contains(t, lenient.Outcomes[0].Warnings, "Date")
	assert.Contains(t, lenient.Outcomes[0].Warnings, "Latitude")

	records := listRecords(t, store, dataset.ID)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Datetime)
	assert.Nil(t, records[0].Geometry)
}

func TestIngestBulkEmptyPayload(t *testing.T) {
	service, store := newTestService(t, nil)
	dataset := seedDataset(t, store, domain.DatasetTypeGeneric, domain.SchemaDescriptor{})

	summary, err := service.IngestBulk(context.Background(), dataset, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, summary.Outcomes)
	assert.False(t, summary.HasErrors())
	assert.Empty(t, listRecords(t, store, dataset.ID))
}

func TestIngestDerivesSpeciesObservationFields(t *testing.T) {
	service, store := newTestService(t, species.Static{"Canis lupus": 42})
	dataset := seedDataset(t, store, domain.DatasetTypeSpeciesObservation, speciesSchema)

	items := []map[string]any{
		{"Date": "25/12/2020", "Latitude": -31.95, "Longitude": 115.86, "Species Name": "  Canis   lupus "},
		{"Date": "26/12/2020", "Species Name": "Unknown beast"},
		{"Date": "27/12/2020"},
	}
	summary, err := service.IngestBulk(context.Background(), dataset, items, Options{})
	require.NoError(t, err)
	require.False(t, summary.HasErrors())

	records := listRecords(t, store, dataset.ID)
	require.Len(t, records, 3)

	perth, err := time.LoadLocation("Australia/Perth")
	require.NoError(t, err)
	require.NotNil(t, records[0].Datetime)
	assert.True(t, records[0].Datetime.Equal(time.Date(2020, 12, 25, 0, 0, 0, 0, perth)))

	require.NotNil(t, records[0].Geometry)
	assert.Equal(t, derive.DefaultSRID, records[0].Geometry.SRID())
	assert.InDelta(t, 115.86, records[0].Geometry.X(), 1e-9)
	assert.InDelta(t, -31.95, records[0].Geometry.Y(), 1e-9)

	require.NotNil(t, records[0].SpeciesName)
	assert.Equal(t, "Canis lupus", *records[0].SpeciesName)
	assert.Equal(t, 42, records[0].NameID)

	require.NotNil(t, records[1].SpeciesName)
	assert.Equal(t, domain.NameIDUnresolved, records[1].NameID)
	assert.Nil(t, records[1].Geometry)

	assert.Nil(t, records[2].SpeciesName)
	assert.Equal(t, domain.NameIDUnresolved, records[2].NameID)
}

func TestIngestCreateSiteIsIdempotent(t *testing.T) {
	service, store := newTestService(t, nil)
	dataset := seedDataset(t, store, domain.DatasetTypeObservation, speciesSchema)
	ctx := context.Background()

	items := []map[string]any{
		{"Site": "S1", "Date": "01/01/2021"},
		{"Site": "S1", "Date": "02/01/2021"},
	}

	summary, err := service.IngestBulk(ctx, dataset, items, Options{})
	require.NoError(t, err)
	require.False(t, summary.HasErrors())
	count, err := store.Sites().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "sites are not created without create_site")
	for _, record := range listRecords(t, store, dataset.ID) {
		assert.Nil(t, record.SiteID)
	}

	_, err = service.ClearDataset(ctx, dataset.ID)
	require.NoError(t, err)

	summary, err = service.IngestBulk(ctx, dataset, items, Options{CreateSite: true})
	require.NoError(t, err)
	require.False(t, summary.HasErrors())

	count, err = store.Sites().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	records := listRecords(t, store, dataset.ID)
	require.Len(t, records, 2)
	require.NotNil(t, records[0].SiteID)
	require.NotNil(t, records[1].SiteID)
	assert.Equal(t, *records[0].SiteID, *records[1].SiteID)
}

func TestUpdateRederivesFields(t *testing.T) {
	service, store := newTestService(t, species.Static{"Canis lupus": 42, "Vulpes vulpes": 7})
	dataset := seedDataset(t, store, domain.DatasetTypeSpeciesObservation, speciesSchema)
	ctx := context.Background()

	summary, err := service.IngestBulk(ctx, dataset, []map[string]any{
		{"Date": "01/03/2021", "Species Name": "Canis lupus"},
	}, Options{})
	require.NoError(t, err)
	require.NotNil(t, summary.Outcomes[0].RecordID)
	recordID := *summary.Outcomes[0].RecordID

	outcome, record, err := service.Update(ctx, recordID, map[string]any{
		"Date": "02/03/2021", "Species Name": "Vulpes vulpes",
	}, Options{Strict: true})
	require.NoError(t, err)
	assert.Empty(t, outcome.Errors)
	require.NotNil(t, record.SpeciesName)
	assert.Equal(t, "Vulpes vulpes", *record.SpeciesName)
	assert.Equal(t, 7, record.NameID)
	assert.Equal(t, 2, record.Datetime.Day())

	stored, err := store.Records().GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.NameID)
	assert.Equal(t, "Vulpes vulpes", stored.Data["Species Name"])
}

func TestUpdateRejectedLeavesRecordUntouched(t *testing.T) {
	service, store := newTestService(t, nil)
	dataset := seedDataset(t, store, domain.DatasetTypeObservation, speciesSchema)
	ctx := context.Background()

	summary, err := service.IngestBulk(ctx, dataset, []map[string]any{{"Date": "01/03/2021"}}, Options{})
	require.NoError(t, err)
	recordID := *summary.Outcomes[0].RecordID

	outcome, _, err := service.Update(ctx, recordID, map[string]any{"Date": ""}, Options{Strict: true})
	require.NoError(t, err)
	assert.Contains(t, outcome.Errors, "Date")
	assert.Nil(t, outcome.RecordID)

	stored, err := store.Records().GetByID(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, "01/03/2021", stored.Data["Date"])

	_, _, err = service.Update(ctx, recordID+100, map[string]any{"Date": "01/03/2021"}, Options{})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDatasetNotFound(t *testing.T) {
	service, _ := newTestService(t, nil)
	_, err := service.Dataset(context.Background(), 99)
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestStatisticsCountsPerType(t *testing.T) {
	service, store := newTestService(t, nil)
	dataset := seedDataset(t, store, domain.DatasetTypeObservation, speciesSchema)
	ctx := context.Background()

	_, err := service.IngestBulk(ctx, dataset, []map[string]any{
		{"Site": "S1", "Date": "01/01/2021"},
		{"Site": "S2", "Date": "01/01/2021"},
	}, Options{CreateSite: true})
	require.NoError(t, err)

	stats, err := service.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Projects)
	assert.Equal(t, int64(2), stats.Sites)
	assert.Equal(t, int64(1), stats.Datasets[domain.DatasetTypeObservation])
	assert.Equal(t, int64(2), stats.Records[domain.DatasetTypeObservation])
	assert.Equal(t, int64(0), stats.Records[domain.DatasetTypeGeneric])
}

func TestIngestAbortKeepsEarlierWrites(t *testing.T) {
	store := newGeometryFailingStore(2)
	service := NewService(store, derive.New(derive.Options{}), nil)
	dataset := seedDataset(t, store.Store, domain.DatasetTypeObservation, speciesSchema)

	body := "Site,Date,Latitude,Longitude\nS1,01/02/2020,-31.9,115.8\nS1,02/02/2020,-31.8,115.7\nS1,03/02/2020,-31.7,115.6\n"
	source, err := NewFileSource("obs.csv", FormatCSV, []byte(body))
	require.NoError(t, err)

	summary, err := service.Ingest(context.Background(), dataset, source, Options{Strict: true, CreateSite: true})
	require.ErrorIs(t, err, errGeometryWrite)
	require.Len(t, summary.Outcomes, 1)
	require.NotNil(t, summary.Outcomes[0].RecordID)

	records := listRecords(t, store.Store, dataset.ID)
	require.Len(t, records, 2)
	assert.NotNil(t, records[0].Geometry)

	perth, err := time.LoadLocation("Australia/Perth")
	require.NoError(t, err)
	require.NotNil(t, records[1].SiteID)
	assert.Equal(t, *records[0].SiteID, *records[1].SiteID)
	require.NotNil(t, records[1].Datetime)
	assert.True(t, records[1].Datetime.Equal(time.Date(2020, 2, 2, 0, 0, 0, 0, perth)))
	assert.Nil(t, records[1].Geometry)
}

func TestIngestExcelDateCellsStrict(t *testing.T) {
	service, store := newTestService(t, nil)
	dataset := seedDataset(t, store, domain.DatasetTypeObservation, speciesSchema)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Site", "Date", "Latitude", "Longitude"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"S1", time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), -31.9, 115.8}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	require.NoError(t, f.Close())

	source, err := NewFileSource("obs.xlsx", FormatXLSX, buf.Bytes())
	require.NoError(t, err)

	summary, err := service.Ingest(context.Background(), dataset, source, Options{Strict: true})
	require.NoError(t, err)
	require.False(t, summary.HasErrors(), "%+v", summary.Outcomes)

	records := listRecords(t, store, dataset.ID)
	require.Len(t, records, 1)
	perth, err := time.LoadLocation("Australia/Perth")
	require.NoError(t, err)
	require.NotNil(t, records[0].Datetime)
	assert.True(t, records[0].Datetime.Equal(time.Date(2020, 2, 1, 0, 0, 0, 0, perth)))
	assert.NotNil(t, records[0].Geometry)
}
