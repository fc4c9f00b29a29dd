// Package main is the entry point for the StereoPlan server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stereoplan/server/internal/api"
	"github.com/stereoplan/server/internal/atlas"
	"github.com/stereoplan/server/internal/cache"
	"github.com/stereoplan/server/internal/config"
	"github.com/stereoplan/server/internal/planstore"
	"github.com/stereoplan/server/internal/render"
	"github.com/stereoplan/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting StereoPlan server on port %d", cfg.Server.Port)
	log.Printf("Atlas API: %s", cfg.Atlas.BaseURL)

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: cfg.Cache.ImageSizeMB,
		ImageTTL:         time.Duration(cfg.Cache.ImageTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize overlay renderer
	renderer := render.NewRenderer(render.Config{
		MarkerRadius: cfg.Render.MarkerRadius,
	})

	// Initialize atlas client
	atlasClient := atlas.NewClient(atlas.Config{
		BaseURL:           cfg.Atlas.BaseURL,
		Timeout:           time.Duration(cfg.Atlas.TimeoutSeconds) * time.Second,
		UserAgent:         cfg.Atlas.UserAgent,
		RequestsPerSecond: cfg.Atlas.RequestsPerSecond,
		Burst:             cfg.Atlas.Burst,
	})

	// Initialize plan history store
	store, err := planstore.NewStore(cfg.History.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to initialize plan store: %v", err)
	}
	defer store.Close()

	store.StartSweeper(cfg.History.RetentionDays, 1*time.Hour)
	log.Printf("Plan history: retention_days=%d, sqlite=%s",
		cfg.History.RetentionDays, cfg.History.SQLitePath)

	// Wire up plan service
	planService := service.New(service.Config{
		Atlas:    atlasClient,
		Cache:    cacheManager,
		Renderer: renderer,
		Store:    store,
	})

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:     planService,
		Store:       store,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
