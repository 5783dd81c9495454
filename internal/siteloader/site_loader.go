package siteloader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/repository"

	"github.com/graph-gophers/dataloader"
)

type SiteLoader struct {
	Loader *dataloader.Loader
}

func NewSiteLoader(repo repository.SiteRepository) *SiteLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		// Convert keys to []int64
		ids := make([]int64, len(keys))
		for i, k := range keys {
			id, err := strconv.ParseInt(k.String(), 10, 64)
			if err != nil {
				results := make([]*dataloader.Result, len(keys))
				for j := range results {
					results[j] = &dataloader.Result{Error: fmt.Errorf("invalid site id %q: %w", k.String(), err)}
				}
				return results
			}
			ids[i] = id
		}

		// Fetch sites in batch
		sites, err := repo.GetByIDs(ctx, ids)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Map ID -> site for ordering
		siteMap := make(map[int64]domain.Site, len(sites))
		for _, s := range sites {
			siteMap[s.ID] = s
		}

		// Build results in the same order as keys
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if s, ok := siteMap[id]; ok {
				results[i] = &dataloader.Result{Data: s}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}

		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))

	return &SiteLoader{Loader: loader}
}

// Key builds the loader key for a site ID.
func Key(id int64) dataloader.Key {
	return dataloader.StringKey(strconv.FormatInt(id, 10))
}

// LoadMany resolves the given site IDs in one batch. Missing sites are
// absent from the returned map.
func (l *SiteLoader) LoadMany(ctx context.Context, ids []int64) (map[int64]domain.Site, error) {
	thunks := make([]dataloader.Thunk, len(ids))
	for i, id := range ids {
		thunks[i] = l.Loader.Load(ctx, Key(id))
	}

	sites := make(map[int64]domain.Site, len(ids))
	for _, thunk := range thunks {
		value, err := thunk()
		if err != nil {
			return nil, err
		}
		if site, ok := value.(domain.Site); ok {
			sites[site.ID] = site
		}
	}
	return sites, nil
}
