package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/schema"
)

// DataKey is the column key used for row level (structural) errors.
const DataKey = "data"

// EmptyRowMessage is reported when a row is nil or has no columns.
const EmptyRowMessage = "cannot be null or empty"

// RowValidator checks raw rows against a dataset schema.
type RowValidator struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewRowValidator creates a new row validator
func NewRowValidator() *RowValidator {
	return &RowValidator{patterns: make(map[string]*regexp.Regexp)}
}

// ValidationResult carries per column errors and warnings for one row plus
// the successfully cast values.
type ValidationResult struct {
	Errors   map[string]string `json:"errors"`
	Warnings map[string]string `json:"warnings"`
	Values   map[string]any    `json:"-"`
}

func newResult() ValidationResult {
	return ValidationResult{
		Errors:   map[string]string{},
		Warnings: map[string]string{},
		Values:   map[string]any{},
	}
}

// HasErrors reports whether the row must be rejected.
func (r ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// HasWarnings reports whether the row carries non-blocking issues.
func (r ValidationResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// Messages returns the errors as "<column>::<message>" sorted by column.
func (r ValidationResult) Messages() []string {
	return joinMessages(r.Errors)
}

// WarningMessages returns the warnings in the same form as Messages.
func (r ValidationResult) WarningMessages() []string {
	return joinMessages(r.Warnings)
}

func joinMessages(issues map[string]string) []string {
	columns := make([]string, 0, len(issues))
	for column := range issues {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	messages := make([]string, 0, len(columns))
	for _, column := range columns {
		messages = append(messages, fmt.Sprintf("%s::%s", column, issues[column]))
	}
	return messages
}

// only the first problem per column is kept
func (r ValidationResult) report(column, message string, strict bool) {
	target := r.Warnings
	if strict {
		target = r.Errors
	}
	if _, exists := target[column]; !exists {
		target[column] = message
	}
}

// Validate checks row against every column of the schema. In strict mode
// schema violations are errors; otherwise they are downgraded to warnings.
// Columns unknown to the schema are always warnings. The row is not modified.
func (v *RowValidator) Validate(descriptor domain.SchemaDescriptor, row map[string]any, strict bool) ValidationResult {
	result := newResult()

	if len(row) == 0 {
		result.Errors[DataKey] = EmptyRowMessage
		return result
	}

	for _, field := range descriptor.Fields {
		value := row[field.Name]

		if schema.IsBlank(value) {
			if field.Constraints.Required {
				result.report(field.Name, "field is required", strict)
			}
			continue
		}

		cast, err := schema.Cast(field, value)
		if err != nil {
			result.report(field.Name, err.Error(), strict)
			continue
		}

		if err := v.checkConstraints(field, cast); err != nil {
			result.report(field.Name, err.Error(), strict)
			continue
		}

		result.Values[field.Name] = cast
	}

	for column := range row {
		if _, known := descriptor.Field(column); !known {
			result.Warnings[column] = "unknown column"
		}
	}

	return result
}

// checkConstraints validates range, length, pattern and enum rules
func (v *RowValidator) checkConstraints(field domain.FieldDefinition, value any) error {
	c := field.Constraints

	if c.Minimum != nil || c.Maximum != nil {
		if number, err := schema.CastFloat(value); err == nil {
			if c.Minimum != nil && number < *c.Minimum {
				return fmt.Errorf("value %v is less than minimum %v", number, *c.Minimum)
			}
			if c.Maximum != nil && number > *c.Maximum {
				return fmt.Errorf("value %v is greater than maximum %v", number, *c.Maximum)
			}
		}
	}

	text, isText := value.(string)
	if !isText {
		return nil
	}

	if c.MinLength != nil && len(text) < *c.MinLength {
		return fmt.Errorf("length %d is less than minimum %d", len(text), *c.MinLength)
	}
	if c.MaxLength != nil && len(text) > *c.MaxLength {
		return fmt.Errorf("length %d is greater than maximum %d", len(text), *c.MaxLength)
	}

	if c.Pattern != "" {
		re, err := v.pattern(c.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %v", c.Pattern, err)
		}
		if !re.MatchString(text) {
			return fmt.Errorf("value %q does not match pattern %q", text, c.Pattern)
		}
	}

	if len(c.Enum) > 0 {
		for _, allowed := range c.Enum {
			if strings.EqualFold(strings.TrimSpace(text), allowed) {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %s", text, strings.Join(c.Enum, ", "))
	}

	return nil
}

func (v *RowValidator) pattern(expr string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, err
	}
	v.patterns[expr] = re
	return re, nil
}
