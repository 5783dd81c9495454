package validator

import (
	"reflect"
	"testing"

	"github.com/rpattn/biosurvey/internal/domain"
)

func surveySchema() domain.SchemaDescriptor {
	minCount := 0.0
	return domain.SchemaDescriptor{
		Fields: []domain.FieldDefinition{
			{Name: "Column A", Type: domain.FieldTypeString},
			{Name: "Column B", Type: domain.FieldTypeString, Constraints: domain.Constraints{Required: true}},
			{Name: "Count", Type: domain.FieldTypeInteger, Constraints: domain.Constraints{Minimum: &minCount}},
			{Name: "Method", Type: domain.FieldTypeString, Constraints: domain.Constraints{Enum: []string{"trap", "spotlight"}}},
		},
	}
}

func TestValidateRejectsEmptyRow(t *testing.T) {
	v := NewRowValidator()

	for _, row := range []map[string]any{nil, {}} {
		for _, strict := range []bool{true, false} {
			result := v.Validate(surveySchema(), row, strict)
			if !result.HasErrors() {
				t.Fatalf("expected empty row to be rejected (strict=%v)", strict)
			}
			if result.Errors[DataKey] != EmptyRowMessage {
				t.Fatalf("unexpected errors: %+v", result.Errors)
			}
			if len(result.Errors) != 1 {
				t.Fatalf("expected a single structural error, got %+v", result.Errors)
			}
		}
	}
}

func TestValidateStrictAndLenientParity(t *testing.T) {
	v := NewRowValidator()
	good := map[string]any{"Column A": "A1", "Column B": "B1", "Count": "3", "Method": "trap"}

	for _, strict := range []bool{true, false} {
		result := v.Validate(surveySchema(), good, strict)
		if result.HasErrors() || result.HasWarnings() {
			t.Fatalf("expected clean result (strict=%v), got %+v", strict, result)
		}
		if result.Values["Count"] != int64(3) {
			t.Fatalf("expected cast count, got %#v", result.Values["Count"])
		}
	}

	bad := map[string]any{"Column A": "A1", "Count": "-2", "Method": "net"}

	strict := v.Validate(surveySchema(), bad, true)
	if !strict.HasErrors() {
		t.Fatalf("expected strict mode to reject row")
	}
	for _, column := range []string{"Column B", "Count", "Method"} {
		if _, ok := strict.Errors[column]; !ok {
			t.Fatalf("expected error for %s, got %+v", column, strict.Errors)
		}
	}

	lenient := v.Validate(surveySchema(), bad, false)
	if lenient.HasErrors() {
		t.Fatalf("expected lenient mode to accept row, got %+v", lenient.Errors)
	}
	if !reflect.DeepEqual(strict.Errors, lenient.Warnings) {
		t.Fatalf("expected lenient warnings %+v to mirror strict errors %+v", lenient.Warnings, strict.Errors)
	}
}

func TestValidateUnknownColumnIsWarning(t *testing.T) {
	v := NewRowValidator()
	row := map[string]any{"Column B": "B1", "Observer": "jane"}

	result := v.Validate(surveySchema(), row, true)
	if result.HasErrors() {
		t.Fatalf("did not expect errors, got %+v", result.Errors)
	}
	if result.Warnings["Observer"] == "" {
		t.Fatalf("expected warning for unknown column, got %+v", result.Warnings)
	}
}

func TestValidateDoesNotMutateRow(t *testing.T) {
	v := NewRowValidator()
	row := map[string]any{"Column B": "B1", "Count": "12"}
	before := map[string]any{"Column B": "B1", "Count": "12"}

	v.Validate(surveySchema(), row, true)

	if !reflect.DeepEqual(row, before) {
		t.Fatalf("row was mutated: %+v", row)
	}
}

func TestMessagesFormat(t *testing.T) {
	result := ValidationResult{Errors: map[string]string{
		"Count":    "value -2 is less than minimum 0",
		"Column B": "field is required",
	}}

	got := result.Messages()
	want := []string{"Column B::field is required", "Count::value -2 is less than minimum 0"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected messages: %v", got)
	}
}

func TestValidatePattern(t *testing.T) {
	v := NewRowValidator()
	descriptor := domain.SchemaDescriptor{
		Fields: []domain.FieldDefinition{
			{Name: "Code", Type: domain.FieldTypeString, Constraints: domain.Constraints{Pattern: "[A-Z]{3}[0-9]+"}},
		},
	}

	if result := v.Validate(descriptor, map[string]any{"Code": "ABC12"}, true); result.HasErrors() {
		t.Fatalf("expected pattern match, got %+v", result.Errors)
	}
	if result := v.Validate(descriptor, map[string]any{"Code": "xABC12"}, true); !result.HasErrors() {
		t.Fatalf("expected pattern mismatch to be rejected")
	}
}
