// Package reconciler performs the disk-side half of catalog mutations,
// keeping a record's on-disk location consistent with its metadata.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/maneesh/filecatalog/internal/models"
	"github.com/maneesh/filecatalog/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("filecatalog-reconciler")

// TargetPath computes the full on-disk path a rename or move should end
// up at. A non-empty requestedDir is created recursively when missing;
// an empty requestedDir keeps the file in its current directory.
func TargetPath(requestedDir, baseName, extension, currentLocation string) (string, error) {
	if requestedDir != "" {
		if err := os.MkdirAll(requestedDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory %s: %w", requestedDir, err)
		}
		return filepath.Join(requestedDir, baseName+extension), nil
	}
	return filepath.Join(filepath.Dir(currentLocation), baseName+extension), nil
}

// Move renames the file on disk. A missing source is treated as already
// consistent: the record update still proceeds and the absence is caught
// by the next prune-on-read.
func Move(oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		log.Printf("Skipping rename, source %s does not exist", oldPath)
		return nil
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// Remove deletes the file at path. An already-absent file is logged and
// tolerated; any other failure is surfaced to the caller.
func Remove(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("File %s not found on disk, proceeding with record removal", path)
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// PruneIfMissing deletes a catalog record whose backing file is gone.
// Returns true when the record was pruned.
func PruneIfMissing(ctx context.Context, store *storage.CatalogStore, file *models.FileRecord) (bool, error) {
	ctx, span := tracer.Start(ctx, "reconciler.prune_if_missing",
		trace.WithAttributes(
			attribute.String("file_name", file.Name),
			attribute.String("file_location", file.Location()),
		),
	)
	defer span.End()

	if _, err := os.Stat(file.Location()); err == nil {
		span.SetAttributes(attribute.Bool("pruned", false))
		return false, nil
	} else if !os.IsNotExist(err) {
		span.RecordError(err)
		return false, fmt.Errorf("failed to stat %s: %w", file.Location(), err)
	}

	if err := store.Delete(ctx, file.ID); err != nil {
		span.RecordError(err)
		return false, err
	}

	log.Printf("Pruned record %s, backing file %s is gone", file.Name, file.Location())
	span.SetAttributes(attribute.Bool("pruned", true))
	return true, nil
}
