package models

import (
	"fmt"
	"path/filepath"
	"time"
)

// FileRecord represents file metadata stored in the catalog.
// Path holds only the directory; the backing file lives at
// filepath.Join(Path, Name+Extension).
type FileRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Extension string     `json:"extension"`
	Size      int64      `json:"size"`
	Path      string     `json:"path"`
	Comment   string     `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Filename returns the on-disk filename (base name plus extension).
func (f *FileRecord) Filename() string {
	return f.Name + f.Extension
}

// Location returns the full on-disk path of the backing file.
// This is the single place full locations are derived from.
func (f *FileRecord) Location() string {
	return filepath.Join(f.Path, f.Filename())
}

// FileUpdateRequest is the body of PUT /file/{name}. All fields are
// optional; empty means "leave unchanged".
type FileUpdateRequest struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Comment string `json:"comment"`
}

// Validate rejects requests that would change nothing or produce an
// unusable record.
func (r *FileUpdateRequest) Validate() error {
	if r.Name == "" && r.Path == "" && r.Comment == "" {
		return fmt.Errorf("at least one of name, path or comment must be set")
	}
	if r.Name != "" && filepath.Base(r.Name) != r.Name {
		return fmt.Errorf("name must not contain path separators")
	}
	return nil
}

// DeleteResponse confirms a successful delete.
type DeleteResponse struct {
	Message string `json:"message"`
}

// SplitFilename splits a filename into base name and extension, the
// extension keeping its leading dot ("report.txt" -> "report", ".txt").
func SplitFilename(filename string) (name, extension string) {
	extension = filepath.Ext(filename)
	name = filename[:len(filename)-len(extension)]
	return name, extension
}
