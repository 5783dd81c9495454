package domain

import (
	"fmt"
	"strings"
	"time"
)

// DatasetType selects which derived fields apply to a dataset's records.
type DatasetType string

const (
	DatasetTypeGeneric            DatasetType = "GENERIC"
	DatasetTypeObservation        DatasetType = "OBSERVATION"
	DatasetTypeSpeciesObservation DatasetType = "SPECIES_OBSERVATION"
)

// ParseDatasetType accepts any casing and defaults blank input to GENERIC.
func ParseDatasetType(raw string) (DatasetType, error) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	if value == "" {
		return DatasetTypeGeneric, nil
	}
	t := DatasetType(value)
	if !t.Valid() {
		return "", fmt.Errorf("unknown dataset type %q", raw)
	}
	return t, nil
}

// Valid reports whether t is one of the known dataset types.
func (t DatasetType) Valid() bool {
	switch t {
	case DatasetTypeGeneric, DatasetTypeObservation, DatasetTypeSpeciesObservation:
		return true
	}
	return false
}

// Dataset is a typed collection of records sharing one schema.
type Dataset struct {
	ID          int64            `json:"id"`
	ProjectID   int64            `json:"project"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        DatasetType      `json:"type"`
	Schema      SchemaDescriptor `json:"schema"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewDataset creates a new dataset with immutable pattern
func NewDataset(projectID int64, name string, datasetType DatasetType, schema SchemaDescriptor) Dataset {
	now := time.Now()
	return Dataset{
		ProjectID: projectID,
		Name:      strings.TrimSpace(name),
		Type:      datasetType,
		Schema:    schema.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Statistics summarises the store contents per entity kind.
type Statistics struct {
	Projects int64                 `json:"projects"`
	Sites    int64                 `json:"sites"`
	Datasets map[DatasetType]int64 `json:"datasets"`
	Records  map[DatasetType]int64 `json:"records"`
}
