package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/maneesh/filecatalog/internal/models"
	"github.com/maneesh/filecatalog/internal/reconciler"
	"github.com/maneesh/filecatalog/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("filecatalog-handlers")

// maxUploadMemory bounds the in-memory part of multipart parsing
const maxUploadMemory = 32 << 20

// WriteHandler handles upload, update and delete requests
type WriteHandler struct {
	catalog    *storage.CatalogStore
	cache      *storage.RedisClient
	storageDir string
}

// NewWriteHandler creates a new write handler
func NewWriteHandler(catalog *storage.CatalogStore, cache *storage.RedisClient, storageDir string) *WriteHandler {
	return &WriteHandler{
		catalog:    catalog,
		cache:      cache,
		storageDir: storageDir,
	}
}

// UploadFile handles POST /upload/ with a multipart "file" part and an
// optional "comment" form value.
func (wh *WriteHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "upload_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, fmt.Sprintf("invalid multipart form: %v", err), http.StatusBadRequest)
		return
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing 'file' form field", http.StatusBadRequest)
		return
	}
	defer part.Close()

	name, extension := models.SplitFilename(filepath.Base(header.Filename))
	if name == "" {
		http.Error(w, "uploaded file has no name", http.StatusBadRequest)
		return
	}
	comment := r.FormValue("comment")

	span.SetAttributes(
		attribute.String("file_name", name),
		attribute.String("file_extension", extension),
	)

	// Pre-check uniqueness; the store's unique index is the last line
	// of defense against a concurrent insert for the same name.
	if _, err := wh.catalog.GetByName(ctx, name); err == nil {
		http.Error(w, "a file with this name already exists", http.StatusBadRequest)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to check for existing file: %v", err), http.StatusInternalServerError)
		return
	}

	if err := os.MkdirAll(wh.storageDir, 0755); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to create storage directory: %v", err), http.StatusInternalServerError)
		return
	}

	location := filepath.Join(wh.storageDir, name+extension)
	size, err := writeFile(location, part)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to save file: %v", err), http.StatusInternalServerError)
		return
	}

	file := &models.FileRecord{
		Name:      name,
		Extension: extension,
		Size:      size,
		Path:      wh.storageDir,
		Comment:   comment,
	}
	if err := wh.catalog.Insert(ctx, file); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost the race against the watcher or a concurrent upload.
			http.Error(w, "a file with this name already exists", http.StatusBadRequest)
			return
		}
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to save file record: %v", err), http.StatusInternalServerError)
		return
	}

	cacheInvalidate(ctx, wh.cache, name)

	span.SetAttributes(attribute.Int64("file_size", size))
	log.Printf("File upload completed: %s (%d bytes)", file.Filename(), size)
	respondJSON(w, http.StatusCreated, file)
}

// UpdateFile handles PUT /file/{name} with a JSON body carrying an
// optional new name, path and comment. The disk rename and the record
// update form one logical step.
func (wh *WriteHandler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "update_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	name := mux.Vars(r)["name"]
	span.SetAttributes(attribute.String("file_name", name))

	var req models.FileUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, err := wh.catalog.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to get file: %v", err), http.StatusInternalServerError)
		return
	}

	newName := file.Name
	if req.Name != "" {
		// A new name arriving with the record's extension keeps only
		// the base part.
		newName = strings.TrimSuffix(req.Name, file.Extension)
		if newName == "" {
			http.Error(w, "new name must not be empty", http.StatusBadRequest)
			return
		}
	}

	if newName != file.Name {
		if _, err := wh.catalog.GetByName(ctx, newName); err == nil {
			http.Error(w, "a file with this name already exists", http.StatusBadRequest)
			return
		} else if !errors.Is(err, storage.ErrNotFound) {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("failed to check for existing file: %v", err), http.StatusInternalServerError)
			return
		}
	}

	if req.Name != "" || req.Path != "" {
		oldLocation := file.Location()
		newLocation, err := reconciler.TargetPath(req.Path, newName, file.Extension, oldLocation)
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("failed to prepare target directory: %v", err), http.StatusInternalServerError)
			return
		}

		// Disk first: a failed rename must leave the record untouched.
		if err := reconciler.Move(oldLocation, newLocation); err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("failed to move file: %v", err), http.StatusInternalServerError)
			return
		}

		file.Name = newName
		file.Path = filepath.Dir(newLocation)
	}
	if req.Comment != "" {
		file.Comment = req.Comment
	}

	if err := wh.catalog.Update(ctx, file); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			http.Error(w, "a file with this name already exists", http.StatusBadRequest)
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to update file record: %v", err), http.StatusInternalServerError)
		return
	}

	cacheInvalidate(ctx, wh.cache, name)
	if newName != name {
		cacheInvalidate(ctx, wh.cache, newName)
	}

	log.Printf("File %q updated", name)
	respondJSON(w, http.StatusOK, file)
}

// DeleteFile handles DELETE /file/{name}. The disk file is removed
// first; an already-absent file does not fail the operation.
func (wh *WriteHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "delete_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	name := mux.Vars(r)["name"]
	span.SetAttributes(attribute.String("file_name", name))

	file, err := wh.catalog.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to get file: %v", err), http.StatusInternalServerError)
		return
	}

	log.Printf("Deleting file at %s", file.Location())
	if err := reconciler.Remove(file.Location()); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to delete file from disk: %v", err), http.StatusInternalServerError)
		return
	}

	if err := wh.catalog.Delete(ctx, file.ID); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to delete file record: %v", err), http.StatusInternalServerError)
		return
	}

	cacheInvalidate(ctx, wh.cache, name)

	log.Printf("File %q deleted", name)
	respondJSON(w, http.StatusOK, models.DeleteResponse{
		Message: fmt.Sprintf("File %q was successfully deleted", name),
	})
}

// writeFile saves the uploaded content and reports the bytes written.
func writeFile(location string, src io.Reader) (int64, error) {
	dst, err := os.Create(location)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", location, err)
	}
	defer dst.Close()

	size, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", location, err)
	}
	return size, nil
}
