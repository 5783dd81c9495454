package schema

import (
	"errors"
	"testing"

	"github.com/rpattn/biosurvey/internal/domain"
)

func TestValidateDescriptorAcceptsObservationSchema(t *testing.T) {
	schema := domain.SchemaDescriptor{
		Fields: []domain.FieldDefinition{
			{Name: "Site Code", Type: domain.FieldTypeString},
			{Name: "Date", Type: domain.FieldTypeDate, Role: domain.RoleObservationDate},
			{Name: "Latitude", Type: domain.FieldTypeNumber, Role: domain.RoleLatitude},
			{Name: "Longitude", Type: domain.FieldTypeNumber, Role: domain.RoleLongitude},
		},
		ForeignKeys: []domain.ForeignKey{
			{Fields: "Site Code", Reference: domain.ForeignKeyReference{Resource: "Site", Fields: "code"}},
		},
	}

	if err := ValidateDescriptor(schema); err != nil {
		t.Fatalf("expected schema to be valid, got %v", err)
	}
}

func TestValidateDescriptorRejectsDuplicateRole(t *testing.T) {
	schema := domain.SchemaDescriptor{
		Fields: []domain.FieldDefinition{
			{Name: "Date", Type: domain.FieldTypeDate, Role: domain.RoleObservationDate},
			{Name: "Visit Date", Type: domain.FieldTypeDate, Role: domain.RoleObservationDate},
		},
	}

	err := ValidateDescriptor(schema)
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
}

func TestValidateDescriptorRejectsBadForeignKeys(t *testing.T) {
	fields := []domain.FieldDefinition{{Name: "Site", Type: domain.FieldTypeString}}

	cases := map[string][]domain.ForeignKey{
		"unknown column": {
			{Fields: "Missing", Reference: domain.ForeignKeyReference{Resource: "Site", Fields: "code"}},
		},
		"two site keys": {
			{Fields: "Site", Reference: domain.ForeignKeyReference{Resource: "Site", Fields: "code"}},
			{Fields: "Site", Reference: domain.ForeignKeyReference{Resource: "Site", Fields: "name"}},
		},
		"unsupported key": {
			{Fields: "Site", Reference: domain.ForeignKeyReference{Resource: "Site", Fields: "centroid"}},
		},
	}

	for name, fks := range cases {
		err := ValidateDescriptor(domain.SchemaDescriptor{Fields: fields, ForeignKeys: fks})
		if !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("%s: expected ErrInvalidDescriptor, got %v", name, err)
		}
	}
}

func TestValidateDescriptorRequiresCoordinatePair(t *testing.T) {
	schema := domain.SchemaDescriptor{
		Fields: []domain.FieldDefinition{
			{Name: "Latitude", Type: domain.FieldTypeNumber, Role: domain.RoleLatitude},
		},
	}
	if err := ValidateDescriptor(schema); err == nil {
		t.Fatalf("expected lone latitude role to be rejected")
	}
}
