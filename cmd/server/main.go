package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/filecatalog/internal/config"
	"github.com/maneesh/filecatalog/internal/handlers"
	"github.com/maneesh/filecatalog/internal/storage"
	"github.com/maneesh/filecatalog/internal/tracing"
	"github.com/maneesh/filecatalog/internal/watcher"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	log.Println("Starting filecatalog service...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Service: %s, Port: %s, Storage: %s", cfg.ServiceName, cfg.ServicePort, cfg.StorageDir)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	// Ensure the managed storage directory exists before anything
	// watches or writes to it.
	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		log.Fatalf("Failed to create storage directory: %v", err)
	}

	// Initialize the catalog store
	log.Printf("Connecting to catalog database (%s)...", cfg.DBDriver)
	catalog, err := storage.NewCatalogStore(cfg.DBDriver, cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to initialize catalog store: %v", err)
	}
	defer catalog.Close()
	log.Println("Catalog store initialized")

	// Initialize Redis client
	log.Println("Connecting to Redis...")
	redisClient, err := storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
	if err != nil {
		log.Fatalf("Failed to initialize Redis client: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis client initialized")

	// The watcher gets its own store handle so the background task never
	// shares a connection pool with request handling.
	watcherCatalog, err := storage.NewCatalogStore(cfg.DBDriver, cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to initialize watcher store: %v", err)
	}
	defer watcherCatalog.Close()

	watchCtx, stopWatcher := context.WithCancel(context.Background())
	defer stopWatcher()

	dirWatcher := watcher.New(cfg.StorageDir, watcherCatalog, cfg.WatchSettleDelay)
	go func() {
		if err := dirWatcher.Run(watchCtx); err != nil && err != context.Canceled {
			log.Printf("Directory watcher exited: %v", err)
		}
	}()

	// Initialize handlers
	writeHandler := handlers.NewWriteHandler(catalog, redisClient, cfg.StorageDir)
	readHandler := handlers.NewReadHandler(catalog, redisClient)

	// Setup HTTP router
	router := mux.NewRouter()
	router.Use(handlers.MetricsMiddleware)

	// Health check and metrics endpoints (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// File operations with tracing
	router.Handle("/files/", otelhttp.NewHandler(http.HandlerFunc(readHandler.ListFiles), "GET /files/")).Methods("GET")
	router.Handle("/file/{name}", otelhttp.NewHandler(http.HandlerFunc(readHandler.GetFile), "GET /file/{name}")).Methods("GET")
	router.Handle("/upload/", otelhttp.NewHandler(http.HandlerFunc(writeHandler.UploadFile), "POST /upload/")).Methods("POST")
	router.Handle("/file/{name}", otelhttp.NewHandler(http.HandlerFunc(writeHandler.UpdateFile), "PUT /file/{name}")).Methods("PUT")
	router.Handle("/file/{name}", otelhttp.NewHandler(http.HandlerFunc(writeHandler.DeleteFile), "DELETE /file/{name}")).Methods("DELETE")
	router.Handle("/search/", otelhttp.NewHandler(http.HandlerFunc(readHandler.SearchFiles), "GET /search/")).Methods("GET")
	router.Handle("/download/{name}", otelhttp.NewHandler(http.HandlerFunc(readHandler.DownloadFile), "GET /download/{name}")).Methods("GET")

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopWatcher()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
