package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// NameIDUnresolved marks a record whose species name has no taxonomic ID.
const NameIDUnresolved = -1

// SourceInfo links a record back to the file row it came from.
type SourceInfo struct {
	FileName string `json:"file_name"`
	Row      int    `json:"row"`
}

// Record is one accepted row of a dataset together with its derived fields.
type Record struct {
	ID          int64          `json:"id"`
	DatasetID   int64          `json:"dataset"`
	Data        map[string]any `json:"data"`
	SiteID      *int64         `json:"site"`
	Datetime    *time.Time     `json:"datetime"`
	Geometry    *geom.Point    `json:"-"`
	SpeciesName *string        `json:"species_name"`
	NameID      int            `json:"name_id"`
	SourceInfo  *SourceInfo    `json:"source_info"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewRecord creates an unsaved record holding the raw row verbatim.
func NewRecord(datasetID int64, data map[string]any, source *SourceInfo) Record {
	now := time.Now()
	return Record{
		DatasetID:  datasetID,
		Data:       copyData(data),
		NameID:     NameIDUnresolved,
		SourceInfo: source,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// WithData returns a new record with replaced raw data.
func (r Record) WithData(data map[string]any) Record {
	updated := r
	updated.Data = copyData(data)
	updated.UpdatedAt = time.Now()
	return updated
}

// MarshalJSON renders the geometry as GeoJSON.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	payload := struct {
		plain
		Geometry json.RawMessage `json:"geometry"`
	}{plain: plain(r), Geometry: json.RawMessage("null")}

	if r.Geometry != nil {
		encoded, err := geojson.Marshal(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode geometry: %w", err)
		}
		payload.Geometry = encoded
	}
	return json.Marshal(payload)
}

// RecordField names a derived record column that is committed on its own.
type RecordField string

const (
	RecordFieldSite        RecordField = "site"
	RecordFieldDatetime    RecordField = "datetime"
	RecordFieldGeometry    RecordField = "geometry"
	RecordFieldSpeciesName RecordField = "species_name"
	RecordFieldNameID      RecordField = "name_id"
)

// FieldUpdate carries the new value of exactly one derived field.
type FieldUpdate struct {
	Field       RecordField
	SiteID      *int64
	Datetime    *time.Time
	Geometry    *geom.Point
	SpeciesName *string
	NameID      int
}

// SetSite builds an update assigning the record's site.
func SetSite(siteID int64) FieldUpdate {
	return FieldUpdate{Field: RecordFieldSite, SiteID: &siteID}
}

// SetDatetime builds an update assigning the observation datetime.
func SetDatetime(ts time.Time) FieldUpdate {
	return FieldUpdate{Field: RecordFieldDatetime, Datetime: &ts}
}

// SetGeometry builds an update assigning the record geometry.
func SetGeometry(point *geom.Point) FieldUpdate {
	return FieldUpdate{Field: RecordFieldGeometry, Geometry: point}
}

// SetSpeciesName builds an update assigning the canonical species name.
func SetSpeciesName(name string) FieldUpdate {
	return FieldUpdate{Field: RecordFieldSpeciesName, SpeciesName: &name}
}

// SetNameID builds an update assigning the taxonomic name ID.
func SetNameID(nameID int) FieldUpdate {
	return FieldUpdate{Field: RecordFieldNameID, NameID: nameID}
}

// Apply returns a copy of r with the update applied.
func (u FieldUpdate) Apply(r Record) (Record, error) {
	switch u.Field {
	case RecordFieldSite:
		r.SiteID = u.SiteID
	case RecordFieldDatetime:
		r.Datetime = u.Datetime
	case RecordFieldGeometry:
		r.Geometry = u.Geometry
	case RecordFieldSpeciesName:
		r.SpeciesName = u.SpeciesName
	case RecordFieldNameID:
		r.NameID = u.NameID
	default:
		return r, fmt.Errorf("unknown record field %q", u.Field)
	}
	r.UpdatedAt = time.Now()
	return r, nil
}

// DataAsJSONB returns the raw data as JSONB for database storage
func (r Record) DataAsJSONB() (json.RawMessage, error) {
	if r.Data == nil {
		return json.Marshal(map[string]any{})
	}
	return json.Marshal(r.Data)
}

// DataFromJSONB creates a raw data map from JSONB data
func DataFromJSONB(raw json.RawMessage) (map[string]any, error) {
	var data map[string]any
	err := json.Unmarshal(raw, &data)
	return data, err
}

// copyData creates a shallow copy of the row map
func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
