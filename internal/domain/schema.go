package domain

import (
	"encoding/json"
	"strings"
)

// FieldType is the declared type of a schema column.
type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeNumber   FieldType = "number"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeDate     FieldType = "date"
	FieldTypeDatetime FieldType = "datetime"
	FieldTypeAny      FieldType = "any"
)

// FieldRole designates the semantic meaning of a column for derivations.
// A schema may assign each role to at most one column.
type FieldRole string

const (
	RoleObservationDate   FieldRole = "observationDate"
	RoleLatitude          FieldRole = "latitude"
	RoleLongitude         FieldRole = "longitude"
	RoleGeometry          FieldRole = "geometry"
	RoleSpeciesName       FieldRole = "speciesName"
	RoleGenus             FieldRole = "genus"
	RoleSpecies           FieldRole = "species"
	RoleInfraspecificRank FieldRole = "infraspecificRank"
	RoleInfraspecificName FieldRole = "infraspecificName"
)

// SiteResource is the foreign key resource name that links a column to sites.
const SiteResource = "Site"

// Constraints holds per-column validation rules.
type Constraints struct {
	Required  bool     `json:"required,omitempty"`
	Minimum   *float64 `json:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty"`
	MinLength *int     `json:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Enum      []string `json:"enum,omitempty"`
}

// FieldDefinition represents a column definition in a dataset schema
type FieldDefinition struct {
	Name        string      `json:"name"`
	Type        FieldType   `json:"type"`
	Format      string      `json:"format,omitempty"` // Go time layout for date/datetime columns
	Description string      `json:"description,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
	Role        FieldRole   `json:"role,omitempty"`
}

// ForeignKeyReference points a foreign key at a resource field.
type ForeignKeyReference struct {
	Resource string `json:"resource"`
	Fields   string `json:"fields"`
}

// ForeignKey links a schema column to a field of another resource.
type ForeignKey struct {
	Fields    string              `json:"fields"`
	Reference ForeignKeyReference `json:"reference"`
}

// SiteLink describes how a row column maps to a site natural key.
type SiteLink struct {
	Column   string // row column holding the key value
	KeyField string // site field matched against, e.g. "code"
}

// SchemaDescriptor is the ordered column definition of a dataset.
type SchemaDescriptor struct {
	Fields      []FieldDefinition `json:"fields"`
	ForeignKeys []ForeignKey      `json:"foreignKeys,omitempty"`
}

// Field returns the definition for the named column.
func (s SchemaDescriptor) Field(name string) (FieldDefinition, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// FieldByRole returns the first column carrying the given role.
func (s SchemaDescriptor) FieldByRole(role FieldRole) (FieldDefinition, bool) {
	for _, field := range s.Fields {
		if field.Role == role {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// FieldNames returns column names in declaration order.
func (s SchemaDescriptor) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, field := range s.Fields {
		names = append(names, field.Name)
	}
	return names
}

// SiteLinkWithDefault returns the column linking rows to sites, if the schema
// declares one. defaultKey applies when the foreign key does not name the
// referenced site field.
func (s SchemaDescriptor) SiteLinkWithDefault(defaultKey string) (SiteLink, bool) {
	for _, fk := range s.ForeignKeys {
		if !strings.EqualFold(strings.TrimSpace(fk.Reference.Resource), SiteResource) {
			continue
		}
		column := strings.TrimSpace(fk.Fields)
		if column == "" {
			continue
		}
		keyField := NormalizeSiteKey(fk.Reference.Fields)
		if keyField == "" {
			keyField = NormalizeSiteKey(defaultKey)
		}
		return SiteLink{Column: column, KeyField: keyField}, true
	}
	return SiteLink{}, false
}

// Clone returns a deep copy of the descriptor.
func (s SchemaDescriptor) Clone() SchemaDescriptor {
	return SchemaDescriptor{
		Fields:      copyFields(s.Fields),
		ForeignKeys: append([]ForeignKey(nil), s.ForeignKeys...),
	}
}

// MarshalJSONB returns the descriptor as JSONB for database storage
func (s SchemaDescriptor) MarshalJSONB() (json.RawMessage, error) {
	return json.Marshal(s)
}

// SchemaFromJSONB decodes a descriptor stored as JSONB.
func SchemaFromJSONB(raw json.RawMessage) (SchemaDescriptor, error) {
	var schema SchemaDescriptor
	if len(raw) == 0 {
		return schema, nil
	}
	err := json.Unmarshal(raw, &schema)
	return schema, err
}

// copyFields creates a deep copy of the fields slice to ensure immutability
func copyFields(fields []FieldDefinition) []FieldDefinition {
	if fields == nil {
		return nil
	}
	newFields := make([]FieldDefinition, len(fields))
	copy(newFields, fields)
	for i := range newFields {
		if newFields[i].Constraints.Enum != nil {
			newFields[i].Constraints.Enum = append([]string(nil), newFields[i].Constraints.Enum...)
		}
	}
	return newFields
}
