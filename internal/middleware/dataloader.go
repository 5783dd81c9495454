package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/biosurvey/internal/repository"
	"github.com/rpattn/biosurvey/internal/siteloader"
)

type ctxKey string

const siteLoaderKey ctxKey = "siteLoader"

// DataLoaderMiddleware attaches a per-request site loader to the context
func DataLoaderMiddleware(repo repository.SiteRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := siteloader.NewSiteLoader(repo)
			ctx := context.WithValue(r.Context(), siteLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SiteLoaderFromContext retrieves the site loader from context
func SiteLoaderFromContext(ctx context.Context) *siteloader.SiteLoader {
	if l, ok := ctx.Value(siteLoaderKey).(*siteloader.SiteLoader); ok {
		return l
	}
	return nil
}
