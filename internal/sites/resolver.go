// Package sites resolves dataset rows to project sites by natural key.
package sites

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/metrics"
	"github.com/rpattn/biosurvey/internal/repository"
)

// Resolver finds, and optionally creates, sites scoped to a project.
type Resolver struct {
	sites repository.SiteRepository
}

// NewResolver creates a resolver over the given site repository.
func NewResolver(sites repository.SiteRepository) *Resolver {
	return &Resolver{sites: sites}
}

// Resolve returns the project's site whose keyField equals keyValue. When no
// site matches it returns nil, unless forceCreate is set in which case the
// site is created. Creation goes through CreateOrGet so concurrent callers
// converge on a single site.
func (r *Resolver) Resolve(ctx context.Context, projectID int64, keyField, keyValue string, forceCreate bool) (*domain.Site, error) {
	keyValue = strings.TrimSpace(keyValue)
	if keyValue == "" {
		return nil, nil
	}
	if !domain.IsSiteKey(keyField) {
		return nil, fmt.Errorf("unsupported site key field %q", keyField)
	}

	site, err := r.sites.FindByKey(ctx, projectID, keyField, keyValue)
	if err != nil {
		return nil, fmt.Errorf("failed to look up site %s=%q: %w", keyField, keyValue, err)
	}
	if site != nil || !forceCreate {
		return site, nil
	}

	candidate, err := domain.NewSiteWithKey(projectID, keyField, keyValue)
	if err != nil {
		return nil, err
	}
	stored, created, err := r.sites.CreateOrGet(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to create site %s=%q: %w", keyField, keyValue, err)
	}
	if created {
		metrics.IncSiteCreated()
		log.Printf("[INGEST] created site %s=%q in project %d (id=%d)", keyField, keyValue, projectID, stored.ID)
	}
	return &stored, nil
}
