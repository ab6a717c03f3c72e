package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/maneesh/filecatalog/internal/models"
	"github.com/maneesh/filecatalog/internal/storage"
)

// testEnv wires real handlers against a sqlite store and a temp storage
// directory. The cache is nil: handlers must work without Redis.
type testEnv struct {
	router *mux.Router
	store  *storage.CatalogStore
	dir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewCatalogStore("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	writeHandler := NewWriteHandler(store, nil, dir)
	readHandler := NewReadHandler(store, nil)

	router := mux.NewRouter()
	router.HandleFunc("/files/", readHandler.ListFiles).Methods("GET")
	router.HandleFunc("/file/{name}", readHandler.GetFile).Methods("GET")
	router.HandleFunc("/upload/", writeHandler.UploadFile).Methods("POST")
	router.HandleFunc("/file/{name}", writeHandler.UpdateFile).Methods("PUT")
	router.HandleFunc("/file/{name}", writeHandler.DeleteFile).Methods("DELETE")
	router.HandleFunc("/search/", readHandler.SearchFiles).Methods("GET")
	router.HandleFunc("/download/{name}", readHandler.DownloadFile).Methods("GET")

	return &testEnv{router: router, store: store, dir: dir}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, filename, content, comment string) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if comment != "" {
		if err := writer.WriteField("comment", comment); err != nil {
			t.Fatalf("failed to write comment field: %v", err)
		}
	}
	writer.Close()

	req := httptest.NewRequest("POST", "/upload/", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return e.do(t, req)
}

func (e *testEnv) update(t *testing.T, name string, update models.FileUpdateRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(update)
	if err != nil {
		t.Fatalf("failed to marshal update: %v", err)
	}
	return e.do(t, httptest.NewRequest("PUT", "/file/"+name, bytes.NewReader(body)))
}

func decodeRecord(t *testing.T, rec *httptest.ResponseRecorder) models.FileRecord {
	t.Helper()
	var file models.FileRecord
	if err := json.NewDecoder(rec.Body).Decode(&file); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	return file
}

func decodeRecords(t *testing.T, rec *httptest.ResponseRecorder) []models.FileRecord {
	t.Helper()
	var files []models.FileRecord
	if err := json.NewDecoder(rec.Body).Decode(&files); err != nil {
		t.Fatalf("failed to decode records: %v", err)
	}
	return files
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	content := "round trip payload"

	rec := env.upload(t, "doc.bin", content, "test doc")
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}
	created := decodeRecord(t, rec)
	if created.Name != "doc" || created.Extension != ".bin" {
		t.Errorf("created record = %s%s, want doc.bin", created.Name, created.Extension)
	}
	if created.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", created.Size, len(content))
	}
	if created.Comment != "test doc" {
		t.Errorf("Comment = %q, want %q", created.Comment, "test doc")
	}

	down := env.do(t, httptest.NewRequest("GET", "/download/doc", nil))
	if down.Code != http.StatusOK {
		t.Fatalf("download status = %d, want %d", down.Code, http.StatusOK)
	}
	if got := down.Body.String(); got != content {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}
	disposition := down.Header().Get("Content-Disposition")
	if disposition != "attachment; filename=doc.bin" {
		t.Errorf("Content-Disposition = %q", disposition)
	}
	if ct := down.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestUploadDuplicateNameRejected(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.upload(t, "doc.txt", "first", ""); rec.Code != http.StatusCreated {
		t.Fatalf("first upload status = %d", rec.Code)
	}
	if rec := env.upload(t, "doc.txt", "second", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate upload status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestUploadListDeleteScenario(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.upload(t, "a.txt", "0123456789", ""); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	list := env.do(t, httptest.NewRequest("GET", "/files/", nil))
	if list.Code != http.StatusOK {
		t.Fatalf("list status = %d", list.Code)
	}
	files := decodeRecords(t, list)
	if len(files) != 1 || files[0].Name != "a" || files[0].Size != 10 {
		t.Fatalf("list = %+v, want one record named a with size 10", files)
	}

	del := env.do(t, httptest.NewRequest("DELETE", "/file/a", nil))
	if del.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", del.Code, del.Body)
	}
	if !strings.Contains(del.Body.String(), "successfully deleted") {
		t.Errorf("delete response = %s", del.Body)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "a.txt")); !os.IsNotExist(err) {
		t.Error("disk file still exists after delete")
	}

	files = decodeRecords(t, env.do(t, httptest.NewRequest("GET", "/files/", nil)))
	if len(files) != 0 {
		t.Errorf("list after delete has %d records, want 0", len(files))
	}

	if rec := env.do(t, httptest.NewRequest("DELETE", "/file/a", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRenameScenario(t *testing.T) {
	env := newTestEnv(t)
	content := "rename me"

	if rec := env.upload(t, "a.txt", content, ""); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	rec := env.update(t, "a", models.FileUpdateRequest{Name: "b"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	updated := decodeRecord(t, rec)
	if updated.Name != "b" {
		t.Errorf("updated name = %q, want b", updated.Name)
	}
	if updated.UpdatedAt == nil {
		t.Error("UpdatedAt not set after rename")
	}

	if _, err := os.Stat(filepath.Join(env.dir, "a.txt")); !os.IsNotExist(err) {
		t.Error("a.txt still exists after rename")
	}
	data, err := os.ReadFile(filepath.Join(env.dir, "b.txt"))
	if err != nil {
		t.Fatalf("b.txt missing after rename: %v", err)
	}
	if string(data) != content {
		t.Errorf("b.txt content = %q, want %q", data, content)
	}

	if got := env.do(t, httptest.NewRequest("GET", "/file/a", nil)); got.Code != http.StatusNotFound {
		t.Errorf("get a status = %d, want %d", got.Code, http.StatusNotFound)
	}
	if got := env.do(t, httptest.NewRequest("GET", "/file/b", nil)); got.Code != http.StatusOK {
		t.Errorf("get b status = %d, want %d", got.Code, http.StatusOK)
	}
}

func TestRenameWithExtensionInNewName(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.upload(t, "a.txt", "x", ""); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	// The record's extension in the new name is stripped to the base.
	rec := env.update(t, "a", models.FileUpdateRequest{Name: "b.txt"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	updated := decodeRecord(t, rec)
	if updated.Name != "b" || updated.Extension != ".txt" {
		t.Errorf("updated record = %s / %s, want b / .txt", updated.Name, updated.Extension)
	}
}

func TestRenameOntoExistingNameRejected(t *testing.T) {
	env := newTestEnv(t)

	env.upload(t, "a.txt", "a", "")
	env.upload(t, "b.txt", "b", "")

	if rec := env.update(t, "a", models.FileUpdateRequest{Name: "b"}); rec.Code != http.StatusBadRequest {
		t.Errorf("conflicting rename status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMoveToNewDirectory(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.upload(t, "a.txt", "moved bytes", ""); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	target := filepath.Join(env.dir, "archive")
	rec := env.update(t, "a", models.FileUpdateRequest{Path: target})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	updated := decodeRecord(t, rec)
	if updated.Path != target {
		t.Errorf("updated path = %q, want %q", updated.Path, target)
	}
	if _, err := os.Stat(filepath.Join(target, "a.txt")); err != nil {
		t.Errorf("file missing at new location: %v", err)
	}
}

func TestUpdateCommentOnly(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.upload(t, "a.txt", "x", ""); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	rec := env.update(t, "a", models.FileUpdateRequest{Comment: "annotated"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	updated := decodeRecord(t, rec)
	if updated.Comment != "annotated" {
		t.Errorf("Comment = %q, want %q", updated.Comment, "annotated")
	}

	// The file stays where it was; only metadata changed.
	if _, err := os.Stat(filepath.Join(env.dir, "a.txt")); err != nil {
		t.Errorf("file disappeared after comment update: %v", err)
	}
}

func TestLazyDeletePruning(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.upload(t, "a.txt", "soon gone", ""); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	// Remove the backing file out-of-band.
	if err := os.Remove(filepath.Join(env.dir, "a.txt")); err != nil {
		t.Fatalf("failed to remove backing file: %v", err)
	}

	// First read discovers the absence, prunes, and reports 404.
	if rec := env.do(t, httptest.NewRequest("GET", "/file/a", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("get status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	// Repeating the query is a plain miss, not an error.
	if rec := env.do(t, httptest.NewRequest("GET", "/file/a", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("repeated get status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	files := decodeRecords(t, env.do(t, httptest.NewRequest("GET", "/files/", nil)))
	if len(files) != 0 {
		t.Errorf("list has %d records after pruning, want 0", len(files))
	}
}

func TestListPrunesStaleRecords(t *testing.T) {
	env := newTestEnv(t)

	env.upload(t, "keep.txt", "kept", "")
	env.upload(t, "stale.txt", "gone", "")

	if err := os.Remove(filepath.Join(env.dir, "stale.txt")); err != nil {
		t.Fatalf("failed to remove backing file: %v", err)
	}

	files := decodeRecords(t, env.do(t, httptest.NewRequest("GET", "/files/", nil)))
	if len(files) != 1 || files[0].Name != "keep" {
		t.Errorf("list = %+v, want only the keep record", files)
	}
}

func TestListPagination(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		if rec := env.upload(t, fmt.Sprintf("f%d.txt", i), "x", ""); rec.Code != http.StatusCreated {
			t.Fatalf("upload %d status = %d", i, rec.Code)
		}
	}

	files := decodeRecords(t, env.do(t, httptest.NewRequest("GET", "/files/?skip=2&limit=2", nil)))
	if len(files) != 2 {
		t.Errorf("paginated list has %d records, want 2", len(files))
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.upload(t, "a.txt", "x", ""); rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	fragment := filepath.Base(env.dir)
	found := env.do(t, httptest.NewRequest("GET", "/search/?directory="+fragment, nil))
	if found.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", found.Code, found.Body)
	}
	if files := decodeRecords(t, found); len(files) != 1 {
		t.Errorf("search returned %d records, want 1", len(files))
	}

	missing := env.do(t, httptest.NewRequest("GET", "/search/?directory=no-such-dir", nil))
	if missing.Code != http.StatusNotFound {
		t.Errorf("empty search status = %d, want %d", missing.Code, http.StatusNotFound)
	}

	bad := env.do(t, httptest.NewRequest("GET", "/search/", nil))
	if bad.Code != http.StatusBadRequest {
		t.Errorf("search without directory status = %d, want %d", bad.Code, http.StatusBadRequest)
	}
}

func TestGetMissingFile(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, httptest.NewRequest("GET", "/file/nope", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("get status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := env.do(t, httptest.NewRequest("GET", "/download/nope", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("download status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
