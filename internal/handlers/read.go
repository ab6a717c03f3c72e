package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/filecatalog/internal/models"
	"github.com/maneesh/filecatalog/internal/reconciler"
	"github.com/maneesh/filecatalog/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// ReadHandler handles list, get, search and download requests
type ReadHandler struct {
	catalog *storage.CatalogStore
	cache   *storage.RedisClient
}

// NewReadHandler creates a new read handler
func NewReadHandler(catalog *storage.CatalogStore, cache *storage.RedisClient) *ReadHandler {
	return &ReadHandler{
		catalog: catalog,
		cache:   cache,
	}
}

// ListFiles handles GET /files/?skip=0&limit=10
func (rh *ReadHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "list_files",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", defaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}

	span.SetAttributes(
		attribute.Int("skip", skip),
		attribute.Int("limit", limit),
	)

	files, err := rh.catalog.List(ctx, skip, limit)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to list files: %v", err), http.StatusInternalServerError)
		return
	}

	// Lazy pruning: drop records whose backing file is gone.
	alive := make([]*models.FileRecord, 0, len(files))
	for _, file := range files {
		pruned, err := reconciler.PruneIfMissing(ctx, rh.catalog, file)
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("failed to prune stale record: %v", err), http.StatusInternalServerError)
			return
		}
		if pruned {
			cacheInvalidate(ctx, rh.cache, file.Name)
			continue
		}
		alive = append(alive, file)
	}

	span.SetAttributes(attribute.Int("file_count", len(alive)))
	respondJSON(w, http.StatusOK, alive)
}

// GetFile handles GET /file/{name}
func (rh *ReadHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "get_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	name := mux.Vars(r)["name"]
	span.SetAttributes(attribute.String("file_name", name))

	file, err := rh.lookup(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to get file: %v", err), http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, file)
}

// SearchFiles handles GET /search/?directory=fragment
func (rh *ReadHandler) SearchFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "search_files",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	directory := r.URL.Query().Get("directory")
	if directory == "" {
		http.Error(w, "missing 'directory' query parameter", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("directory", directory))

	files, err := rh.catalog.SearchPath(ctx, directory)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to search files: %v", err), http.StatusInternalServerError)
		return
	}
	if len(files) == 0 {
		http.Error(w, "no files found in the given directory", http.StatusNotFound)
		return
	}

	log.Printf("Found %d files in directory %q", len(files), directory)
	span.SetAttributes(attribute.Int("file_count", len(files)))
	respondJSON(w, http.StatusOK, files)
}

// DownloadFile handles GET /download/{name}
func (rh *ReadHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "download_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	name := mux.Vars(r)["name"]
	span.SetAttributes(attribute.String("file_name", name))

	file, err := rh.lookup(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to get file: %v", err), http.StatusInternalServerError)
		return
	}

	data, err := os.ReadFile(file.Location())
	if err != nil {
		if os.IsNotExist(err) {
			// The record was alive a moment ago; self-heal and report 404.
			if _, pruneErr := reconciler.PruneIfMissing(ctx, rh.catalog, file); pruneErr != nil {
				log.Printf("Warning: failed to prune %s: %v", file.Name, pruneErr)
			}
			cacheInvalidate(ctx, rh.cache, file.Name)
			http.Error(w, "file not found on disk", http.StatusNotFound)
			return
		}
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to read file: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", file.Filename()))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)

	log.Printf("File download completed: %s (%d bytes)", file.Filename(), len(data))
}

// lookup resolves a record by name via cache, store and prune-on-read.
func (rh *ReadHandler) lookup(ctx context.Context, name string) (*models.FileRecord, error) {
	file := cacheGet(ctx, rh.cache, name)
	fromCache := file != nil

	if file == nil {
		var err error
		file, err = rh.catalog.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
	}

	// The existence check runs even on a cache hit: a stale cached
	// record must still trigger pruning.
	pruned, err := reconciler.PruneIfMissing(ctx, rh.catalog, file)
	if err != nil {
		return nil, err
	}
	if pruned {
		cacheInvalidate(ctx, rh.cache, name)
		return nil, storage.ErrNotFound
	}

	if !fromCache {
		cacheSet(ctx, rh.cache, file)
	}
	return file, nil
}

// respondJSON writes v as a JSON response body.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to encode response: %v", err)
	}
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || value < 0 {
		return defaultValue
	}
	return value
}

// Cache helpers tolerate a nil client so the service can run without
// Redis (tests, local development). Cache failures are logged, never
// surfaced to the caller.

func cacheGet(ctx context.Context, cache *storage.RedisClient, name string) *models.FileRecord {
	if cache == nil {
		return nil
	}
	file, err := cache.GetRecord(ctx, name)
	if err != nil {
		log.Printf("Warning: cache lookup failed for %s: %v", name, err)
		return nil
	}
	return file
}

func cacheSet(ctx context.Context, cache *storage.RedisClient, file *models.FileRecord) {
	if cache == nil {
		return
	}
	if err := cache.SetRecord(ctx, file); err != nil {
		log.Printf("Warning: failed to cache %s: %v", file.Name, err)
	}
}

func cacheInvalidate(ctx context.Context, cache *storage.RedisClient, name string) {
	if cache == nil {
		return
	}
	if err := cache.InvalidateRecord(ctx, name); err != nil {
		log.Printf("Warning: failed to invalidate cache for %s: %v", name, err)
	}
}
