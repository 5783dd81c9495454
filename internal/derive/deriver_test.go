package derive

import (
	"context"
	"testing"
	"time"

	"github.com/rpattn/biosurvey/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	sites map[string]domain.Site
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, projectID int64, keyField, keyValue string, forceCreate bool) (*domain.Site, error) {
	f.calls++
	if site, ok := f.sites[keyValue]; ok {
		return &site, nil
	}
	if !forceCreate {
		return nil, nil
	}
	site, err := domain.NewSiteWithKey(projectID, keyField, keyValue)
	if err != nil {
		return nil, err
	}
	site.ID = int64(len(f.sites) + 100)
	if f.sites == nil {
		f.sites = map[string]domain.Site{}
	}
	f.sites[keyValue] = site
	return &site, nil
}

func observationDataset(datasetType domain.DatasetType) domain.Dataset {
	return domain.Dataset{
		ID:        3,
		ProjectID: 1,
		Type:      datasetType,
		Schema: domain.SchemaDescriptor{
			Fields: []domain.FieldDefinition{
				{Name: "Site Code", Type: domain.FieldTypeString},
				{Name: "Observation Date", Type: domain.FieldTypeDate, Role: domain.RoleObservationDate},
				{Name: "Latitude", Type: domain.FieldTypeNumber, Role: domain.RoleLatitude},
				{Name: "Longitude", Type: domain.FieldTypeNumber, Role: domain.RoleLongitude},
				{Name: "Species Name", Type: domain.FieldTypeString, Role: domain.RoleSpeciesName},
			},
			ForeignKeys: []domain.ForeignKey{{
				Fields:    "Site Code",
				Reference: domain.ForeignKeyReference{Resource: "Site", Fields: "code"},
			}},
		},
	}
}

func TestDeriveSiteWithoutForeignKeyReturnsNil(t *testing.T) {
	d := New(Options{})
	dataset := observationDataset(domain.DatasetTypeGeneric)
	dataset.Schema.ForeignKeys = nil
	resolver := &fakeResolver{}

	site, err := d.DeriveSite(context.Background(), resolver, dataset, map[string]any{"Site Code": "S1"}, true)
	require.NoError(t, err)
	assert.Nil(t, site)
	assert.Zero(t, resolver.calls)
}

func TestDeriveSiteMissingValueReturnsNil(t *testing.T) {
	d := New(Options{})
	resolver := &fakeResolver{}

	for _, row := range []map[string]any{{}, {"Site Code": "  "}, {"Site Code": nil}} {
		site, err := d.DeriveSite(context.Background(), resolver, observationDataset(domain.DatasetTypeGeneric), row, true)
		require.NoError(t, err)
		assert.Nil(t, site)
	}
	assert.Zero(t, resolver.calls)
}

func TestDeriveSiteUnknownWithoutCreateReturnsNil(t *testing.T) {
	d := New(Options{})
	site, err := d.DeriveSite(context.Background(), &fakeResolver{}, observationDataset(domain.DatasetTypeGeneric), map[string]any{"Site Code": "S9"}, false)
	require.NoError(t, err)
	assert.Nil(t, site)
}

func TestDeriveDatetimeUsesProjectTimezone(t *testing.T) {
	d := New(Options{DefaultLocation: time.UTC})
	project := domain.Project{ID: 1, Timezone: "Australia/Perth"}

	ts, err := d.DeriveDatetime(observationDataset(domain.DatasetTypeObservation), project, map[string]any{"Observation Date": "20/09/2016"})
	require.NoError(t, err)
	require.NotNil(t, ts)

	perth, err := time.LoadLocation("Australia/Perth")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2016, 9, 20, 0, 0, 0, 0, perth)))
	_, offset := ts.Zone()
	assert.Equal(t, 8*3600, offset)
}

func TestDeriveDatetimeFallsBackToDefaultLocation(t *testing.T) {
	brisbane, err := time.LoadLocation("Australia/Brisbane")
	require.NoError(t, err)
	d := New(Options{DefaultLocation: brisbane})

	ts, err := d.DeriveDatetime(observationDataset(domain.DatasetTypeObservation), domain.Project{}, map[string]any{"Observation Date": "2016-09-20"})
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, brisbane, ts.Location())
	assert.Equal(t, 0, ts.Hour())
}

func TestDeriveDatetimeCastFailureIsDegraded(t *testing.T) {
	d := New(Options{})
	ts, err := d.DeriveDatetime(observationDataset(domain.DatasetTypeObservation), domain.Project{}, map[string]any{"Observation Date": "not a date"})
	assert.Nil(t, ts)
	require.Error(t, err)
	assert.True(t, IsDegraded(err))
}

func TestDeriveGeometryFromCoordinates(t *testing.T) {
	d := New(Options{})
	point, err := d.DeriveGeometry(observationDataset(domain.DatasetTypeObservation), map[string]any{"Latitude": "-32.0", "Longitude": 115.75})
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.Equal(t, DefaultSRID, point.SRID())
	assert.InDelta(t, 115.75, point.X(), 1e-9)
	assert.InDelta(t, -32.0, point.Y(), 1e-9)
}

func TestDeriveGeometryOutOfRange(t *testing.T) {
	d := New(Options{})
	point, err := d.DeriveGeometry(observationDataset(domain.DatasetTypeObservation), map[string]any{"Latitude": "-132.0", "Longitude": "115"})
	assert.Nil(t, point)
	assert.True(t, IsDegraded(err))
}

func TestDeriveGeometryFromWKT(t *testing.T) {
	d := New(Options{SRID: 4326})
	dataset := domain.Dataset{
		Type: domain.DatasetTypeObservation,
		Schema: domain.SchemaDescriptor{Fields: []domain.FieldDefinition{
			{Name: "Location", Type: domain.FieldTypeString, Role: domain.RoleGeometry},
		}},
	}

	point, err := d.DeriveGeometry(dataset, map[string]any{"Location": "SRID=4326;POINT(116 -31.5)"})
	require.NoError(t, err)
	require.NotNil(t, point)
	assert.Equal(t, 4326, point.SRID())
	assert.InDelta(t, 116.0, point.X(), 1e-9)

	_, err = d.DeriveGeometry(dataset, map[string]any{"Location": "LINESTRING(0 0, 1 1)"})
	assert.True(t, IsDegraded(err))
}

func TestDeriveSpeciesUnknownNameYieldsSentinel(t *testing.T) {
	d := New(Options{})
	snapshot := map[string]int{"Canis lupus": 42}

	name, nameID, err := d.DeriveSpecies(observationDataset(domain.DatasetTypeSpeciesObservation), map[string]any{"Species Name": "  Chubby   bat "}, snapshot)
	require.NoError(t, err)
	require.NotNil(t, name)
	assert.Equal(t, "Chubby bat", *name)
	assert.Equal(t, domain.NameIDUnresolved, nameID)

	name, nameID, err = d.DeriveSpecies(observationDataset(domain.DatasetTypeSpeciesObservation), map[string]any{"Species Name": "Canis lupus"}, snapshot)
	require.NoError(t, err)
	assert.Equal(t, "Canis lupus", *name)
	assert.Equal(t, 42, nameID)
}

func TestSpeciesNameComposedFromGenus(t *testing.T) {
	descriptor := domain.SchemaDescriptor{Fields: []domain.FieldDefinition{
		{Name: "Genus", Role: domain.RoleGenus},
		{Name: "Species", Role: domain.RoleSpecies},
		{Name: "Rank", Role: domain.RoleInfraspecificRank},
		{Name: "Infra", Role: domain.RoleInfraspecificName},
	}}

	name, err := SpeciesName(descriptor, map[string]any{"Genus": "Acacia", "Species": "saligna", "Rank": "subsp.", "Infra": "pruinescens"})
	require.NoError(t, err)
	require.NotNil(t, name)
	assert.Equal(t, "Acacia saligna subsp. pruinescens", *name)

	name, err = SpeciesName(descriptor, map[string]any{"Species": "saligna"})
	require.NoError(t, err)
	assert.Nil(t, name)
}

func TestPlanGatesStepsByDatasetType(t *testing.T) {
	steps, err := Plan(domain.DatasetTypeGeneric)
	require.NoError(t, err)
	assert.Equal(t, []Step{StepSite}, steps)

	steps, err = Plan(domain.DatasetTypeObservation)
	require.NoError(t, err)
	assert.Equal(t, []Step{StepSite, StepDatetime, StepGeometry}, steps)

	steps, err = Plan(domain.DatasetTypeSpeciesObservation)
	require.NoError(t, err)
	assert.Equal(t, []Step{StepSite, StepDatetime, StepGeometry, StepSpecies}, steps)

	_, err = Plan("UNKNOWN")
	assert.Error(t, err)
}

func TestRunSpeciesAlwaysEmitsNameID(t *testing.T) {
	d := New(Options{})
	updates, err := d.Run(context.Background(), StepSpecies, Input{
		Dataset: observationDataset(domain.DatasetTypeSpeciesObservation),
		Row:     map[string]any{},
	})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, domain.RecordFieldNameID, updates[0].Field)
	assert.Equal(t, domain.NameIDUnresolved, updates[0].NameID)
}

func TestRunSiteSkipsUnchangedSite(t *testing.T) {
	d := New(Options{})
	resolver := &fakeResolver{sites: map[string]domain.Site{"S1": {ID: 5, ProjectID: 1, Code: "S1"}}}
	siteID := int64(5)

	updates, err := d.Run(context.Background(), StepSite, Input{
		Dataset:  observationDataset(domain.DatasetTypeGeneric),
		Row:      map[string]any{"Site Code": "S1"},
		Current:  domain.Record{SiteID: &siteID},
		Resolver: resolver,
	})
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestDerivationsSkipDatasetTypesWithoutThem(t *testing.T) {
	d := New(Options{})
	row := map[string]any{
		"Observation Date": "20/09/2016",
		"Latitude":         -32.0,
		"Longitude":        115.75,
		"Species Name":     "Canis lupus",
	}

	generic := observationDataset(domain.DatasetTypeGeneric)
	ts, err := d.DeriveDatetime(generic, domain.Project{}, row)
	require.NoError(t, err)
	assert.Nil(t, ts)

	point, err := d.DeriveGeometry(generic, row)
	require.NoError(t, err)
	assert.Nil(t, point)

	name, nameID, err := d.DeriveSpecies(observationDataset(domain.DatasetTypeObservation), row, map[string]int{"Canis lupus": 42})
	require.NoError(t, err)
	assert.Nil(t, name)
	assert.Equal(t, domain.NameIDUnresolved, nameID)

	updates, err := d.Run(context.Background(), StepSpecies, Input{Dataset: generic, Row: row})
	require.NoError(t, err)
	assert.Empty(t, updates)

	assert.True(t, Applies(domain.DatasetTypeSpeciesObservation, StepSpecies))
	assert.False(t, Applies("UNKNOWN", StepSite))
}
