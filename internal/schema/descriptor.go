// Package schema validates dataset schema descriptors and casts raw row
// values according to declared column types.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rpattn/biosurvey/internal/domain"
)

// ErrInvalidDescriptor wraps every descriptor validation failure.
var ErrInvalidDescriptor = errors.New("invalid schema descriptor")

var knownTypes = map[domain.FieldType]struct{}{
	domain.FieldTypeString:   {},
	domain.FieldTypeInteger:  {},
	domain.FieldTypeNumber:   {},
	domain.FieldTypeBoolean:  {},
	domain.FieldTypeDate:     {},
	domain.FieldTypeDatetime: {},
	domain.FieldTypeAny:      {},
}

var knownRoles = map[domain.FieldRole]struct{}{
	domain.RoleObservationDate:   {},
	domain.RoleLatitude:          {},
	domain.RoleLongitude:         {},
	domain.RoleGeometry:          {},
	domain.RoleSpeciesName:       {},
	domain.RoleGenus:             {},
	domain.RoleSpecies:           {},
	domain.RoleInfraspecificRank: {},
	domain.RoleInfraspecificName: {},
}

// ValidateDescriptor ensures the descriptor has unique column names, known
// types, at most one column per role and at most one site foreign key that
// points at an existing column.
func ValidateDescriptor(schema domain.SchemaDescriptor) error {
	if len(schema.Fields) == 0 {
		return fmt.Errorf("%w: schema has no fields", ErrInvalidDescriptor)
	}

	names := make(map[string]struct{}, len(schema.Fields))
	roles := make(map[domain.FieldRole]string)

	for _, field := range schema.Fields {
		name := strings.TrimSpace(field.Name)
		if name == "" {
			return fmt.Errorf("%w: field name cannot be blank", ErrInvalidDescriptor)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("%w: duplicate field %s", ErrInvalidDescriptor, name)
		}
		names[name] = struct{}{}

		if _, ok := knownTypes[EffectiveType(field)]; !ok {
			return fmt.Errorf("%w: field %s has unknown type %s", ErrInvalidDescriptor, name, field.Type)
		}

		if pattern := field.Constraints.Pattern; pattern != "" {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("%w: field %s pattern: %v", ErrInvalidDescriptor, name, err)
			}
		}

		if field.Role == "" {
			continue
		}
		if _, ok := knownRoles[field.Role]; !ok {
			return fmt.Errorf("%w: field %s has unknown role %s", ErrInvalidDescriptor, name, field.Role)
		}
		if other, taken := roles[field.Role]; taken {
			return fmt.Errorf("%w: role %s assigned to both %s and %s", ErrInvalidDescriptor, field.Role, other, name)
		}
		roles[field.Role] = name
	}

	_, hasLat := roles[domain.RoleLatitude]
	_, hasLon := roles[domain.RoleLongitude]
	if hasLat != hasLon {
		return fmt.Errorf("%w: latitude and longitude roles must be declared together", ErrInvalidDescriptor)
	}

	siteKeys := 0
	for _, fk := range schema.ForeignKeys {
		if !strings.EqualFold(strings.TrimSpace(fk.Reference.Resource), domain.SiteResource) {
			continue
		}
		siteKeys++
		if siteKeys > 1 {
			return fmt.Errorf("%w: more than one site foreign key", ErrInvalidDescriptor)
		}
		if _, ok := names[strings.TrimSpace(fk.Fields)]; !ok {
			return fmt.Errorf("%w: site foreign key references unknown field %q", ErrInvalidDescriptor, fk.Fields)
		}
		if ref := fk.Reference.Fields; ref != "" && !domain.IsSiteKey(ref) {
			return fmt.Errorf("%w: site foreign key cannot match on %q", ErrInvalidDescriptor, ref)
		}
	}

	return nil
}

// EffectiveType normalizes the declared type; a blank type means string.
func EffectiveType(field domain.FieldDefinition) domain.FieldType {
	t := domain.FieldType(strings.ToLower(strings.TrimSpace(string(field.Type))))
	if t == "" {
		return domain.FieldTypeString
	}
	return t
}
