package siteloader

import (
	"context"
	"sync"
	"testing"

	"github.com/rpattn/biosurvey/internal/domain"
)

type countingSiteRepository struct {
	mu    sync.Mutex
	calls int
	sites map[int64]domain.Site
}

func (r *countingSiteRepository) FindByKey(context.Context, int64, string, string) (*domain.Site, error) {
	return nil, nil
}

func (r *countingSiteRepository) CreateOrGet(_ context.Context, site domain.Site) (domain.Site, bool, error) {
	return site, true, nil
}

func (r *countingSiteRepository) GetByIDs(_ context.Context, ids []int64) ([]domain.Site, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	out := []domain.Site{}
	for _, id := range ids {
		if site, ok := r.sites[id]; ok {
			out = append(out, site)
		}
	}
	return out, nil
}

func (r *countingSiteRepository) ListByProject(context.Context, int64) ([]domain.Site, error) {
	return nil, nil
}

func (r *countingSiteRepository) Count(context.Context) (int64, error) {
	return int64(len(r.sites)), nil
}

func TestLoadManyBatchesLookups(t *testing.T) {
	repo := &countingSiteRepository{sites: map[int64]domain.Site{
		1: {ID: 1, Code: "A"},
		2: {ID: 2, Code: "B"},
	}}
	loader := NewSiteLoader(repo)

	sites, err := loader.LoadMany(context.Background(), []int64{1, 2, 1, 99})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sites) != 2 {
		t.Fatalf("expected 2 sites, got %d", len(sites))
	}
	if sites[2].Code != "B" {
		t.Fatalf("expected site 2 to have code B, got %q", sites[2].Code)
	}
	if repo.calls != 1 {
		t.Fatalf("expected a single batched lookup, got %d", repo.calls)
	}
}
