package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/maneesh/filecatalog/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("filecatalog-storage")

var (
	// ErrNotFound is returned when no record matches the query.
	ErrNotFound = errors.New("file record not found")
	// ErrConflict is returned when an insert or rename would violate the
	// unique-name constraint.
	ErrConflict = errors.New("file name already exists")
)

// One schema per driver: MySQL needs sized VARCHARs for the unique index,
// SQLite relies on DATETIME decltypes for time.Time scanning.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	extension TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL,
	path TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME,
	UNIQUE (name)
)`

const mysqlSchema = `CREATE TABLE IF NOT EXISTS files (
	id VARCHAR(36) PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	extension VARCHAR(32) NOT NULL DEFAULT '',
	size BIGINT NOT NULL,
	path VARCHAR(1024) NOT NULL,
	comment TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NULL,
	UNIQUE KEY uq_files_name (name)
)`

// CatalogStore wraps catalog database operations with tracing
type CatalogStore struct {
	db     *sql.DB
	driver string
}

// NewCatalogStore opens the catalog database ("sqlite" or "mysql") and
// ensures the schema exists before returning.
func NewCatalogStore(driver, dsn string) (*CatalogStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	cs := &CatalogStore{db: db, driver: driver}
	if err := cs.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return cs, nil
}

// ensureSchema creates the files table idempotently.
func (cs *CatalogStore) ensureSchema() error {
	schema := sqliteSchema
	if cs.driver == "mysql" {
		schema = mysqlSchema
	}
	if _, err := cs.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (cs *CatalogStore) Close() error {
	return cs.db.Close()
}

// Insert creates a file record. The record's ID and CreatedAt are
// assigned here when absent. A duplicate name yields ErrConflict.
func (cs *CatalogStore) Insert(ctx context.Context, file *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "catalog.insert",
		trace.WithAttributes(
			attribute.String("file_name", file.Name),
			attribute.Int64("file_size", file.Size),
		),
	)
	defer span.End()

	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO files (id, name, extension, size, path, comment, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := cs.db.ExecContext(ctx, query,
		file.ID, file.Name, file.Extension, file.Size, file.Path, file.Comment,
		file.CreatedAt, nullableTime(file.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("name_conflict", true))
			return ErrConflict
		}
		span.RecordError(err)
		return fmt.Errorf("failed to insert file record: %w", err)
	}

	span.SetAttributes(attribute.String("file_id", file.ID))
	return nil
}

// GetByName retrieves a file record by its base name.
func (cs *CatalogStore) GetByName(ctx context.Context, name string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.get_by_name",
		trace.WithAttributes(
			attribute.String("file_name", name),
		),
	)
	defer span.End()

	query := `SELECT id, name, extension, size, path, comment, created_at, updated_at
			  FROM files WHERE name = ?`

	file, err := cs.scanOne(cs.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			span.SetAttributes(attribute.Bool("found", false))
			return nil, err
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("found", true))
	return file, nil
}

// GetByNameExt retrieves a file record matching both base name and
// extension. Used by the watcher for deduplication.
func (cs *CatalogStore) GetByNameExt(ctx context.Context, name, extension string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.get_by_name_ext",
		trace.WithAttributes(
			attribute.String("file_name", name),
			attribute.String("file_extension", extension),
		),
	)
	defer span.End()

	query := `SELECT id, name, extension, size, path, comment, created_at, updated_at
			  FROM files WHERE name = ? AND extension = ?`

	file, err := cs.scanOne(cs.db.QueryRowContext(ctx, query, name, extension))
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
	}
	return file, err
}

// List returns records in insertion order with offset/limit pagination.
func (cs *CatalogStore) List(ctx context.Context, skip, limit int) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.list",
		trace.WithAttributes(
			attribute.Int("skip", skip),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	query := `SELECT id, name, extension, size, path, comment, created_at, updated_at
			  FROM files ORDER BY created_at, id LIMIT ? OFFSET ?`

	rows, err := cs.db.QueryContext(ctx, query, limit, skip)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	files, err := cs.scanAll(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// SearchPath returns all records whose path contains the given fragment.
func (cs *CatalogStore) SearchPath(ctx context.Context, fragment string) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "catalog.search_path",
		trace.WithAttributes(
			attribute.String("path_fragment", fragment),
		),
	)
	defer span.End()

	query := `SELECT id, name, extension, size, path, comment, created_at, updated_at
			  FROM files WHERE path LIKE ?`

	rows, err := cs.db.QueryContext(ctx, query, "%"+fragment+"%")
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search files: %w", err)
	}
	defer rows.Close()

	files, err := cs.scanAll(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("file_count", len(files)))
	return files, nil
}

// Update replaces the mutable fields of a record and stamps UpdatedAt.
// Renaming onto an existing name yields ErrConflict.
func (cs *CatalogStore) Update(ctx context.Context, file *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "catalog.update",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_name", file.Name),
		),
	)
	defer span.End()

	now := time.Now().UTC()
	file.UpdatedAt = &now

	query := `UPDATE files SET name = ?, extension = ?, size = ?, path = ?, comment = ?, updated_at = ?
			  WHERE id = ?`

	res, err := cs.db.ExecContext(ctx, query,
		file.Name, file.Extension, file.Size, file.Path, file.Comment, now, file.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		span.RecordError(err)
		return fmt.Errorf("failed to update file record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record by id. Deleting an absent id is a no-op.
func (cs *CatalogStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "catalog.delete",
		trace.WithAttributes(
			attribute.String("file_id", id),
		),
	)
	defer span.End()

	_, err := cs.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (cs *CatalogStore) scanOne(row rowScanner) (*models.FileRecord, error) {
	var file models.FileRecord
	var updatedAt sql.NullTime
	err := row.Scan(
		&file.ID,
		&file.Name,
		&file.Extension,
		&file.Size,
		&file.Path,
		&file.Comment,
		&file.CreatedAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan file record: %w", err)
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		file.UpdatedAt = &t
	}
	return &file, nil
}

func (cs *CatalogStore) scanAll(rows *sql.Rows) ([]*models.FileRecord, error) {
	var files []*models.FileRecord
	for rows.Next() {
		file, err := cs.scanOne(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file records: %w", err)
	}
	return files, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// isUniqueViolation recognizes unique-constraint errors from both drivers.
func isUniqueViolation(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
