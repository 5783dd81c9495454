package derive

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/biosurvey/internal/domain"
)

// Step is one derivation applied to a record.
type Step string

const (
	StepSite     Step = "site"
	StepDatetime Step = "datetime"
	StepGeometry Step = "geometry"
	StepSpecies  Step = "species"
)

// Plan returns the ordered derivation steps for a dataset kind. Site always
// runs first; observation kinds add datetime and geometry; species
// observations add the species name and ID last.
func Plan(datasetType domain.DatasetType) ([]Step, error) {
	switch datasetType {
	case domain.DatasetTypeGeneric:
		return []Step{StepSite}, nil
	case domain.DatasetTypeObservation:
		return []Step{StepSite, StepDatetime, StepGeometry}, nil
	case domain.DatasetTypeSpeciesObservation:
		return []Step{StepSite, StepDatetime, StepGeometry, StepSpecies}, nil
	default:
		return nil, fmt.Errorf("unknown dataset type %q", datasetType)
	}
}

// Applies reports whether step is part of the plan for a dataset kind.
func Applies(datasetType domain.DatasetType, step Step) bool {
	steps, err := Plan(datasetType)
	if err != nil {
		return false
	}
	for _, planned := range steps {
		if planned == step {
			return true
		}
	}
	return false
}

// Input is everything a step may read.
type Input struct {
	Dataset     domain.Dataset
	Project     domain.Project
	Row         map[string]any
	Current     domain.Record
	Resolver    SiteResolver
	Snapshot    map[string]int
	ForceCreate bool
}

// Run executes step and returns the field updates to commit, in order. A
// returned *Error is a degraded derivation: any updates alongside it are
// still valid. Other errors come from storage and are fatal.
func (d *Deriver) Run(ctx context.Context, step Step, in Input) ([]domain.FieldUpdate, error) {
	switch step {
	case StepSite:
		site, err := d.DeriveSite(ctx, in.Resolver, in.Dataset, in.Row, in.ForceCreate)
		if err != nil {
			return nil, err
		}
		if site == nil || (in.Current.SiteID != nil && *in.Current.SiteID == site.ID) {
			return nil, nil
		}
		return []domain.FieldUpdate{domain.SetSite(site.ID)}, nil

	case StepDatetime:
		ts, err := d.DeriveDatetime(in.Dataset, in.Project, in.Row)
		if err != nil || ts == nil {
			return nil, err
		}
		return []domain.FieldUpdate{domain.SetDatetime(*ts)}, nil

	case StepGeometry:
		point, err := d.DeriveGeometry(in.Dataset, in.Row)
		if err != nil || point == nil {
			return nil, err
		}
		return []domain.FieldUpdate{domain.SetGeometry(point)}, nil

	case StepSpecies:
		if !Applies(in.Dataset.Type, StepSpecies) {
			return nil, nil
		}
		name, nameID, err := d.DeriveSpecies(in.Dataset, in.Row, in.Snapshot)
		var updates []domain.FieldUpdate
		if name != nil {
			updates = append(updates, domain.SetSpeciesName(*name))
		} else if in.Current.SpeciesName != nil {
			// name_id follows the stored name when the row no longer yields one
			nameID = LookupNameID(in.Snapshot, *in.Current.SpeciesName)
		}
		updates = append(updates, domain.SetNameID(nameID))
		return updates, err

	default:
		return nil, fmt.Errorf("unknown derivation step %q", step)
	}
}

// IsDegraded reports whether err only degrades a single derived field.
func IsDegraded(err error) bool {
	var derr *Error
	return errors.As(err, &derr)
}
