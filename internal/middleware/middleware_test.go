package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpattn/biosurvey/internal/repository/memory"
)

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statistics", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rec.Code)
	}
}

func TestDataLoaderMiddlewareAttachesLoader(t *testing.T) {
	store := memory.NewStore()
	var attached bool
	handler := DataLoaderMiddleware(store.Sites())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attached = SiteLoaderFromContext(r.Context()) != nil
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/datasets/1/records", nil))
	if !attached {
		t.Fatalf("expected site loader in request context")
	}
	if SiteLoaderFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()) != nil {
		t.Fatalf("expected no loader outside the middleware")
	}
}
