// Package derive computes the record fields that are derived from raw row
// data: site link, observation datetime, point geometry and species identity.
// Derivations are pure with respect to the record; the caller decides when
// to persist the returned field updates.
package derive

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/schema"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// DefaultSRID is WGS 84.
const DefaultSRID = 4326

// SiteResolver is the subset of sites.Resolver used by DeriveSite.
type SiteResolver interface {
	Resolve(ctx context.Context, projectID int64, keyField, keyValue string, forceCreate bool) (*domain.Site, error)
}

// Error reports a derivation whose source column could not be cast. The row
// is still accepted; only the affected field stays unset.
type Error struct {
	Field  domain.RecordField
	Column string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("derive %s from %q: %v", e.Field, e.Column, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Deriver.
type Options struct {
	// DefaultLocation applies when a project has no timezone.
	DefaultLocation *time.Location
	// SRID tags every derived geometry.
	SRID int
	// SiteKeyField is matched when a Site foreign key omits its reference
	// field. Defaults to domain.SiteKeyCode.
	SiteKeyField string
}

// Deriver computes derived record fields.
type Deriver struct {
	defaultLocation *time.Location
	srid            int
	siteKeyField    string
}

// New creates a Deriver. A zero SRID means DefaultSRID and a nil location
// means UTC.
func New(opts Options) *Deriver {
	loc := opts.DefaultLocation
	if loc == nil {
		loc = time.UTC
	}
	srid := opts.SRID
	if srid == 0 {
		srid = DefaultSRID
	}
	siteKey := domain.NormalizeSiteKey(opts.SiteKeyField)
	if !domain.IsSiteKey(siteKey) {
		siteKey = domain.SiteKeyCode
	}
	return &Deriver{defaultLocation: loc, srid: srid, siteKeyField: siteKey}
}

// SRID returns the spatial reference applied to derived geometries.
func (d *Deriver) SRID() int { return d.srid }

// DeriveSite resolves the row's site through the schema's Site foreign key.
// It returns nil when the schema declares no such key or the row value is
// blank, and nil when the site is unknown and forceCreate is false.
func (d *Deriver) DeriveSite(ctx context.Context, resolver SiteResolver, dataset domain.Dataset, row map[string]any, forceCreate bool) (*domain.Site, error) {
	link, ok := dataset.Schema.SiteLinkWithDefault(d.siteKeyField)
	if !ok {
		return nil, nil
	}
	value := row[link.Column]
	if schema.IsBlank(value) {
		return nil, nil
	}
	return resolver.Resolve(ctx, dataset.ProjectID, link.KeyField, stringify(value), forceCreate)
}

// DeriveDatetime casts the observation date column and anchors it in the
// project's timezone, or the deriver's default when the project has none.
// Bare dates land at midnight local time. Generic datasets have no datetime.
func (d *Deriver) DeriveDatetime(dataset domain.Dataset, project domain.Project, row map[string]any) (*time.Time, error) {
	if !Applies(dataset.Type, StepDatetime) {
		return nil, nil
	}
	field, ok := dataset.Schema.FieldByRole(domain.RoleObservationDate)
	if !ok {
		return nil, nil
	}
	value := row[field.Name]
	if schema.IsBlank(value) {
		return nil, nil
	}

	allowTime := schema.EffectiveType(field) != domain.FieldTypeDate
	parsed, err := schema.ParseTemporal(value, field.Format, allowTime)
	if err != nil {
		return nil, &Error{Field: domain.RecordFieldDatetime, Column: field.Name, Err: err}
	}
	ts := parsed.In(project.Location(d.defaultLocation))
	return &ts, nil
}

// DeriveGeometry builds a point from the latitude/longitude columns, or from
// a WKT geometry column when no coordinate pair is declared. Generic
// datasets have no geometry.
func (d *Deriver) DeriveGeometry(dataset domain.Dataset, row map[string]any) (*geom.Point, error) {
	if !Applies(dataset.Type, StepGeometry) {
		return nil, nil
	}
	latField, hasLat := dataset.Schema.FieldByRole(domain.RoleLatitude)
	lonField, hasLon := dataset.Schema.FieldByRole(domain.RoleLongitude)
	if hasLat && hasLon {
		return d.pointFromCoordinates(latField, lonField, row)
	}

	field, ok := dataset.Schema.FieldByRole(domain.RoleGeometry)
	if !ok {
		return nil, nil
	}
	value := row[field.Name]
	if schema.IsBlank(value) {
		return nil, nil
	}
	point, err := d.pointFromWKT(stringify(value))
	if err != nil {
		return nil, &Error{Field: domain.RecordFieldGeometry, Column: field.Name, Err: err}
	}
	return point, nil
}

func (d *Deriver) pointFromCoordinates(latField, lonField domain.FieldDefinition, row map[string]any) (*geom.Point, error) {
	latRaw, lonRaw := row[latField.Name], row[lonField.Name]
	if schema.IsBlank(latRaw) || schema.IsBlank(lonRaw) {
		return nil, nil
	}

	lat, err := schema.CastFloat(latRaw)
	if err != nil {
		return nil, &Error{Field: domain.RecordFieldGeometry, Column: latField.Name, Err: err}
	}
	lon, err := schema.CastFloat(lonRaw)
	if err != nil {
		return nil, &Error{Field: domain.RecordFieldGeometry, Column: lonField.Name, Err: err}
	}
	if math.Abs(lat) > 90 {
		return nil, &Error{Field: domain.RecordFieldGeometry, Column: latField.Name, Err: fmt.Errorf("latitude %v out of range", lat)}
	}
	if math.Abs(lon) > 180 {
		return nil, &Error{Field: domain.RecordFieldGeometry, Column: lonField.Name, Err: fmt.Errorf("longitude %v out of range", lon)}
	}

	point, err := geom.NewPoint(geom.XY).SetCoords(geom.Coord{lon, lat})
	if err != nil {
		return nil, &Error{Field: domain.RecordFieldGeometry, Column: latField.Name, Err: err}
	}
	return point.SetSRID(d.srid), nil
}

func (d *Deriver) pointFromWKT(raw string) (*geom.Point, error) {
	text := strings.TrimSpace(raw)
	srid := d.srid
	if prefix, rest, found := strings.Cut(text, ";"); found && strings.HasPrefix(strings.ToUpper(prefix), "SRID=") {
		var parsed int
		if _, err := fmt.Sscanf(prefix[len("SRID="):], "%d", &parsed); err != nil {
			return nil, fmt.Errorf("invalid SRID prefix %q", prefix)
		}
		if parsed != d.srid {
			return nil, fmt.Errorf("SRID %d does not match %d", parsed, d.srid)
		}
		text = rest
	}

	geometry, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("invalid WKT: %w", err)
	}
	point, ok := geometry.(*geom.Point)
	if !ok {
		return nil, fmt.Errorf("expected a POINT, got %T", geometry)
	}
	return point.SetSRID(srid), nil
}

// DeriveSpecies returns the canonical species name and its taxonomic ID
// from snapshot. The ID is domain.NameIDUnresolved when the name is absent
// or not in the snapshot, and for datasets that are not species observations.
func (d *Deriver) DeriveSpecies(dataset domain.Dataset, row map[string]any, snapshot map[string]int) (*string, int, error) {
	if !Applies(dataset.Type, StepSpecies) {
		return nil, domain.NameIDUnresolved, nil
	}
	name, err := SpeciesName(dataset.Schema, row)
	if err != nil || name == nil {
		return nil, domain.NameIDUnresolved, err
	}
	return name, LookupNameID(snapshot, *name), nil
}

// SpeciesName reads the speciesName column, or composes a name from the
// genus, species and infraspecific columns when there is none.
func SpeciesName(descriptor domain.SchemaDescriptor, row map[string]any) (*string, error) {
	if field, ok := descriptor.FieldByRole(domain.RoleSpeciesName); ok {
		value := row[field.Name]
		if schema.IsBlank(value) {
			return nil, nil
		}
		text, ok := value.(string)
		if !ok {
			return nil, &Error{Field: domain.RecordFieldSpeciesName, Column: field.Name, Err: fmt.Errorf("expected text, got %T", value)}
		}
		name := CanonicalName(text)
		return &name, nil
	}

	genus, hasGenus := descriptor.FieldByRole(domain.RoleGenus)
	if !hasGenus || schema.IsBlank(row[genus.Name]) {
		return nil, nil
	}
	parts := []string{stringify(row[genus.Name])}
	for _, role := range []domain.FieldRole{domain.RoleSpecies, domain.RoleInfraspecificRank, domain.RoleInfraspecificName} {
		field, ok := descriptor.FieldByRole(role)
		if !ok || schema.IsBlank(row[field.Name]) {
			continue
		}
		parts = append(parts, stringify(row[field.Name]))
	}
	name := CanonicalName(strings.Join(parts, " "))
	return &name, nil
}

// CanonicalName trims and collapses internal whitespace.
func CanonicalName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// LookupNameID maps a canonical name to its taxonomic ID.
func LookupNameID(snapshot map[string]int, name string) int {
	if name == "" || snapshot == nil {
		return domain.NameIDUnresolved
	}
	if id, ok := snapshot[name]; ok {
		return id
	}
	return domain.NameIDUnresolved
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return fmt.Sprintf("%.0f", v)
		}
		return fmt.Sprintf("%v", v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
