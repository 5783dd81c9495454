package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/biosurvey/internal/domain"
)

var (
	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"02/01/2006",
		"2/1/2006",
		"02-01-2006",
	}

	datetimeLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
		"02/01/2006 15:04:05",
		"02/01/2006 15:04",
		"2/1/2006 15:04",
	}

	zonedLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
	}
)

// Temporal is a parsed date or datetime. Wall carries the parsed clock
// reading; HasZone reports whether the source carried an explicit offset.
type Temporal struct {
	Wall    time.Time
	HasTime bool
	HasZone bool
}

// In anchors the value to loc. Values with an explicit offset keep their
// instant; naive values are read as wall-clock time in loc, with bare dates
// at midnight.
func (t Temporal) In(loc *time.Location) time.Time {
	if t.HasZone {
		return t.Wall.In(loc)
	}
	w := t.Wall
	if !t.HasTime {
		return time.Date(w.Year(), w.Month(), w.Day(), 0, 0, 0, 0, loc)
	}
	return time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), w.Nanosecond(), loc)
}

// IsBlank reports whether a raw value counts as absent.
func IsBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	}
	return false
}

// Cast converts a raw row value according to the field's declared type.
// Blank values cast to nil without error.
func Cast(field domain.FieldDefinition, value any) (any, error) {
	if IsBlank(value) {
		return nil, nil
	}

	switch EffectiveType(field) {
	case domain.FieldTypeString:
		return castString(value)
	case domain.FieldTypeInteger:
		return castInteger(value)
	case domain.FieldTypeNumber:
		return CastFloat(value)
	case domain.FieldTypeBoolean:
		return castBoolean(value)
	case domain.FieldTypeDate:
		t, err := ParseTemporal(value, field.Format, false)
		if err != nil {
			return nil, err
		}
		return t, nil
	case domain.FieldTypeDatetime:
		t, err := ParseTemporal(value, field.Format, true)
		if err != nil {
			return nil, err
		}
		return t, nil
	case domain.FieldTypeAny:
		return value, nil
	default:
		return nil, fmt.Errorf("unknown field type: %s", field.Type)
	}
}

func castString(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64, int, int64, bool, json.Number:
		return fmt.Sprint(v), nil
	default:
		return nil, fmt.Errorf("expected a string, got %T", value)
	}
}

func castInteger(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if i, ok := wholeInt64(v); ok {
			return i, nil
		}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
	case string:
		raw := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			if i, ok := wholeInt64(f); ok {
				return i, nil
			}
		}
	}
	return nil, fmt.Errorf("%v is not a valid integer", value)
}

// wholeInt64 converts f when it is a whole number inside the int64 range.
func wholeInt64(f float64) (int64, bool) {
	if math.Mod(f, 1) != 0 || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// CastFloat converts numeric strings and JSON numbers to float64.
func CastFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%v is not a valid number", value)
}

func castBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y":
			return true, nil
		case "0", "false", "f", "no", "n":
			return false, nil
		}
	case float64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	}
	return nil, fmt.Errorf("%v is not a valid boolean", value)
}

// ParseTemporal parses a date or datetime. A non-empty format is tried
// first as a Go time layout. When allowTime is false only date layouts are
// accepted.
func ParseTemporal(value any, format string, allowTime bool) (Temporal, error) {
	if ts, ok := value.(time.Time); ok {
		return Temporal{Wall: ts, HasTime: true, HasZone: true}, nil
	}
	raw, ok := value.(string)
	if !ok {
		return Temporal{}, fmt.Errorf("expected a date string, got %T", value)
	}
	raw = strings.TrimSpace(raw)

	if format = strings.TrimSpace(format); format != "" && format != "any" && format != "default" {
		if ts, err := time.Parse(format, raw); err == nil {
			return Temporal{Wall: ts, HasTime: layoutHasClock(format), HasZone: layoutHasZone(format)}, nil
		}
	}

	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return Temporal{Wall: ts}, nil
		}
	}
	if allowTime {
		for _, layout := range zonedLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return Temporal{Wall: ts, HasTime: true, HasZone: true}, nil
			}
		}
		for _, layout := range datetimeLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return Temporal{Wall: ts, HasTime: true}, nil
			}
		}
		return Temporal{}, fmt.Errorf("%q is not a valid datetime", raw)
	}
	return Temporal{}, fmt.Errorf("%q is not a valid date", raw)
}

func layoutHasClock(layout string) bool {
	return strings.Contains(layout, "15") || strings.Contains(layout, "03") || strings.Contains(layout, "04")
}

func layoutHasZone(layout string) bool {
	return strings.Contains(layout, "Z07") || strings.Contains(layout, "-07") || strings.Contains(layout, "MST")
}
