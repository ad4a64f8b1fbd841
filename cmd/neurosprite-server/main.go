// Package main is the entry point for the NeuroSprite server.
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

	"github.com/neurosprite/server/internal/api"
	"github.com/neurosprite/server/internal/cache"
	"github.com/neurosprite/server/internal/config"
	"github.com/neurosprite/server/internal/jobstore"
	"github.com/neurosprite/server/internal/service"
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

	log.Printf("Starting NeuroSprite server on port %d", cfg.Server.Port)

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		SpriteCacheSizeMB: cfg.Cache.SpriteSizeMB,
		SpriteTTL:         time.Duration(cfg.Cache.SpriteTTLMinutes) * time.Minute,
		VolumeEntries:     cfg.Cache.VolumeEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Discover background templates
	templates, err := service.DiscoverTemplates(cfg.Data.TemplateDir, cfg.Data.DefaultTemplate, cfg.Server.Title)
	if err != nil {
		log.Fatalf("Failed to scan templates: %v", err)
	}
	if ids := templates.TemplateIDs(); len(ids) == 0 {
		log.Printf("No templates found in %s; stat-map requests must name a background", cfg.Data.TemplateDir)
	} else {
		log.Printf("Templates (%d, default %s): %v", len(ids), templates.DefaultTemplateID(), ids)
	}

	// Initialize sprite service
	spriteService := service.NewSpriteService(service.SpriteServiceConfig{
		Templates:       templates,
		Cache:           cacheManager,
		VolumeDir:       cfg.Data.VolumeDir,
		MaxSyncVoxels:   cfg.Data.MaxSyncVoxels,
		DefaultColormap: cfg.Render.DefaultColormap,
		DefaultFormat:   cfg.Render.DefaultFormat,
		DefaultNColors:  cfg.Render.NColors,
		DefaultSampling: cfg.Render.Sampling,
	})

	// Initialize job manager for async renders (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Render job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = func(ctx context.Context, job *jobstore.Job, report service.ProgressFunc) (*jobstore.Result, error) {
		return spriteService.ExecuteRenderJob(ctx, job.Params, report)
	}

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:     spriteService,
		JobManager:  jobManager,
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

	if err := cacheManager.Close(); err != nil {
		log.Printf("Cache close: %v", err)
	}

	log.Println("Server stopped")
}
