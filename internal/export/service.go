package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/biosurvey/internal/derive"
	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/repository"
)

// ErrDatasetNotFound is returned when the exported dataset does not exist.
var ErrDatasetNotFound = errors.New("dataset not found")

// Derived column headers appended after the schema columns.
const (
	ColumnSite        = "_site"
	ColumnDatetime    = "_datetime"
	ColumnLongitude   = "_longitude"
	ColumnLatitude    = "_latitude"
	ColumnSpeciesName = "_species_name"
	ColumnNameID      = "_name_id"
)

// Service streams dataset records as CSV.
type Service struct {
	store    repository.Store
	pageSize int
}

type Option func(*Service)

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func NewService(store repository.Store, opts ...Option) *Service {
	s := &Service{store: store, pageSize: 500}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dataset loads the dataset to export.
func (s *Service) Dataset(ctx context.Context, id int64) (domain.Dataset, error) {
	dataset, err := s.store.Datasets().GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Dataset{}, fmt.Errorf("%w: %d", ErrDatasetNotFound, id)
	}
	return dataset, err
}

// WriteCSV writes a header of the schema columns followed by the derived
// columns that apply to the dataset type, then one line per record in ID
// order. It returns the number of records written.
func (s *Service) WriteCSV(ctx context.Context, dataset domain.Dataset, w io.Writer) (int, error) {
	steps, err := derive.Plan(dataset.Type)
	if err != nil {
		return 0, err
	}

	siteLabels := map[int64]string{}
	fields := dataset.Schema.FieldNames()
	headers := append(append([]string{}, fields...), derivedHeaders(steps)...)

	buffered := bufio.NewWriterSize(w, 64<<10)
	csvWriter := csv.NewWriter(buffered)
	if err := csvWriter.Write(headers); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(headers))
	exported := 0
	for offset := 0; ; offset += s.pageSize {
		if err := ctx.Err(); err != nil {
			return exported, err
		}
		records, total, err := s.store.Records().ListByDataset(ctx, dataset.ID, s.pageSize, offset)
		if err != nil {
			return exported, fmt.Errorf("list records: %w", err)
		}
		if err := s.loadSiteLabels(ctx, records, siteLabels); err != nil {
			return exported, err
		}

		for _, record := range records {
			for i, field := range fields {
				row[i] = formatValue(record.Data[field])
			}
			fillDerived(row[len(fields):], steps, record, siteLabels)
			if err := csvWriter.Write(row); err != nil {
				return exported, fmt.Errorf("write record %d: %w", record.ID, err)
			}
			exported++
		}

		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			return exported, fmt.Errorf("flush rows: %w", err)
		}
		if len(records) < s.pageSize || offset+len(records) >= total {
			break
		}
	}

	if err := buffered.Flush(); err != nil {
		return exported, fmt.Errorf("final buffered flush: %w", err)
	}
	log.Printf("[EXPORT] dataset %d: %d records", dataset.ID, exported)
	return exported, nil
}

// loadSiteLabels adds the export label of every site referenced by records
// that is not in labels yet.
func (s *Service) loadSiteLabels(ctx context.Context, records []domain.Record, labels map[int64]string) error {
	var missing []int64
	for _, record := range records {
		if record.SiteID == nil {
			continue
		}
		if _, ok := labels[*record.SiteID]; !ok {
			missing = append(missing, *record.SiteID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sites, err := s.store.Sites().GetByIDs(ctx, missing)
	if err != nil {
		return fmt.Errorf("load sites: %w", err)
	}
	for _, site := range sites {
		labels[site.ID] = siteLabel(site)
	}
	return nil
}

// siteLabel is the site's code, or its name for sites keyed by name.
func siteLabel(site domain.Site) string {
	if site.Code != "" {
		return site.Code
	}
	return site.Name
}

func derivedHeaders(steps []derive.Step) []string {
	var headers []string
	for _, step := range steps {
		switch step {
		case derive.StepSite:
			headers = append(headers, ColumnSite)
		case derive.StepDatetime:
			headers = append(headers, ColumnDatetime)
		case derive.StepGeometry:
			headers = append(headers, ColumnLongitude, ColumnLatitude)
		case derive.StepSpecies:
			headers = append(headers, ColumnSpeciesName, ColumnNameID)
		}
	}
	return headers
}

func fillDerived(row []string, steps []derive.Step, record domain.Record, siteLabels map[int64]string) {
	i := 0
	for _, step := range steps {
		switch step {
		case derive.StepSite:
			row[i] = ""
			if record.SiteID != nil {
				row[i] = siteLabels[*record.SiteID]
			}
			i++
		case derive.StepDatetime:
			row[i] = formatValue(record.Datetime)
			i++
		case derive.StepGeometry:
			row[i], row[i+1] = "", ""
			if record.Geometry != nil {
				row[i] = strconv.FormatFloat(record.Geometry.X(), 'f', -1, 64)
				row[i+1] = strconv.FormatFloat(record.Geometry.Y(), 'f', -1, 64)
			}
			i += 2
		case derive.StepSpecies:
			row[i] = ""
			if record.SpeciesName != nil {
				row[i] = *record.SpeciesName
			}
			row[i+1] = strconv.Itoa(record.NameID)
			i += 2
		}
	}
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.Format(time.RFC3339)
	case time.Time:
		return v.Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case float32, float64, int, int32, int64:
		return fmt.Sprintf("%v", v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
