// Package watcher observes one flat storage directory and catalogs
// files that appear there outside the upload path.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/maneesh/filecatalog/internal/models"
	"github.com/maneesh/filecatalog/internal/storage"
)

// Watcher inserts catalog records for files created in the watched
// directory. It owns its own CatalogStore handle, separate from the
// request path.
type Watcher struct {
	dir         string
	catalog     *storage.CatalogStore
	settleDelay time.Duration
}

// New creates a watcher for the given directory.
func New(dir string, catalog *storage.CatalogStore, settleDelay time.Duration) *Watcher {
	return &Watcher{
		dir:         dir,
		catalog:     catalog,
		settleDelay: settleDelay,
	}
}

// Run watches the directory until ctx is cancelled. One bad event never
// stops observation of subsequent events.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	log.Printf("Watching directory: %s", w.dir)

	for {
		select {
		case <-ctx.Done():
			log.Println("Directory watcher stopped")
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.handleCreate(ctx, event.Name); err != nil {
				log.Printf("Watcher: failed to handle %s: %v", event.Name, err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// handleCreate catalogs one created file: settle, dedup, stat, insert.
func (w *Watcher) handleCreate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat created entry: %w", err)
	}
	if info.IsDir() {
		return nil
	}

	// Settling delay: tolerate slow external copies still writing the
	// file. Heuristic, not a completion guarantee.
	select {
	case <-time.After(w.settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	name, extension := models.SplitFilename(filepath.Base(path))

	// Dedup: a record for the same (name, extension) means the file is
	// already cataloged, e.g. via the upload endpoint.
	existing, err := w.catalog.GetByNameExt(ctx, name, extension)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to check for existing record: %w", err)
	}
	if existing != nil {
		log.Printf("Watcher: %s%s already cataloged, skipping", name, extension)
		return nil
	}

	// Re-stat after the settle delay for the final size.
	info, err = os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	record := &models.FileRecord{
		Name:      name,
		Extension: extension,
		Size:      info.Size(),
		Path:      w.dir,
	}
	if err := w.catalog.Insert(ctx, record); err != nil {
		return fmt.Errorf("failed to insert record for %s: %w", path, err)
	}

	log.Printf("Watcher: cataloged %s%s (%d bytes)", name, extension, record.Size)
	return nil
}
