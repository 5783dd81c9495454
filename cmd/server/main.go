package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/biosurvey/internal/config"
	"github.com/rpattn/biosurvey/internal/db"
	"github.com/rpattn/biosurvey/internal/derive"
	"github.com/rpattn/biosurvey/internal/export"
	"github.com/rpattn/biosurvey/internal/ingestion"
	"github.com/rpattn/biosurvey/internal/metrics"
	"github.com/rpattn/biosurvey/internal/middleware"
	"github.com/rpattn/biosurvey/internal/repository"
	"github.com/rpattn/biosurvey/internal/repository/memory"
	"github.com/rpattn/biosurvey/internal/species"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

func main() {
	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	metrics.Init()

	// Setup storage
	var store repository.Store
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		conn, err := db.NewConnection(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer conn.Close()

		if err := db.RunMigrations(cfg.Database); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		store = repository.NewPostgresStore(conn)
	default:
		log.Println("Using in-memory storage; records are lost on restart")
		store = memory.NewStore()
	}

	location, err := cfg.Ingestion.Location()
	if err != nil {
		log.Fatalf("Invalid ingestion config: %v", err)
	}
	deriver := derive.New(derive.Options{
		DefaultLocation: location,
		SRID:            cfg.Ingestion.SRID,
		SiteKeyField:    cfg.Ingestion.SiteKeyField,
	})

	service := ingestion.NewService(store, deriver, speciesSource(cfg))

	mux := http.NewServeMux()
	ingestion.NewHTTPHandler(service, cfg.Ingestion.MaxUploadMB).Register(mux)
	export.NewHTTPHandler(export.NewService(store)).Register(mux)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{ingestion.BatchHeader},
	})

	apiHandler := middleware.LoggingMiddleware(
		middleware.DataLoaderMiddleware(store.Sites())(mux),
	)

	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.Handler())
	root.Handle("/", corsHandler.Handler(apiHandler))

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      root,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting biosurvey server on %s", cfg.Server.Addr)
		log.Printf("Metrics available at http://localhost%s/metrics", cfg.Server.Addr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// speciesSource builds the name_id lookup: the remote service when
// configured, cached in Redis when enabled.
func speciesSource(cfg config.Config) ingestion.SpeciesSource {
	if cfg.Species.BaseURL == "" {
		log.Println("[SPECIES] no species service configured; names stay unresolved")
		return species.Static{}
	}

	var source species.Source = species.NewClient(cfg.Species.BaseURL, cfg.Species.Timeout)
	if !cfg.Redis.Enabled {
		return source
	}

	client, err := species.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Printf("[SPECIES] redis unavailable, snapshots are fetched per batch: %v", err)
		return source
	}
	return species.NewCache(client, source, cfg.Species.CacheTTL)
}
