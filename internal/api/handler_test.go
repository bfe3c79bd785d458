package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/snapapi/internal/archive"
	"github.com/fclairamb/snapapi/internal/lock"
	"github.com/fclairamb/snapapi/internal/mirror"
	"github.com/fclairamb/snapapi/internal/snapshot"
	"github.com/fclairamb/snapapi/internal/store"
	"github.com/fclairamb/snapapi/internal/upload"
)

const testKey = "test-api-key" //nolint:gosec // test constant

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local) }

type testEnv struct {
	routes http.Handler
	layout snapshot.Layout
}

// newTestEnv wires real components over temporary directories. Owners 1001 and 1002 have
// a home tree; 1001 already has one published snapshot.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	layout := snapshot.Layout{
		Home:      filepath.Join(root, "home"),
		Snapshots: filepath.Join(root, "snap"),
		Staging:   filepath.Join(root, "internal"),
	}

	writeTestFile(t, filepath.Join(layout.HomeDir("1001"), "report.txt"), "live 1001")
	writeTestFile(t, filepath.Join(layout.HomeDir("1002"), "report.txt"), "live 1002")
	writeTestFile(t, filepath.Join(layout.SnapshotDir("1001", "hw1_2024-02-01"), "hw1.ipynb"), `{"cells":[]}`)
	writeTestFile(t, filepath.Join(layout.SnapshotDir("1001", "hw1_2024-02-01"), "data", "scores.csv"), "1,2,3")

	locks := lock.NewManager(filepath.Join(root, "lock"), "STAT100a",
		lock.WithLogger(logger),
		lock.WithRetryInterval(10*time.Millisecond),
		lock.WithMaxWait(5*time.Second))
	materializer := snapshot.NewMaterializer(layout, locks, mirror.NewNative(logger),
		snapshot.WithLogger(logger),
		snapshot.WithClock(fixedClock{}))

	snapshots := store.NewLocalStore(layout.Snapshots, store.WithLogger(logger))
	homes := store.NewLocalStore(layout.Home, store.WithLogger(logger))

	handler := NewHandler(
		materializer,
		snapshot.NewQuery(snapshots, snapshot.WithQueryLogger(logger)),
		archive.NewBuilder(snapshots, archive.WithLogger(logger)),
		upload.NewPlacer(homes, filepath.Join(root, "uploads"), upload.WithLogger(logger)),
		logger,
	)

	return &testEnv{
		routes: Routes(handler, testKey, logger),
		layout: layout,
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// postForm sends an authenticated url-encoded form.
func (e *testEnv) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(APIKeyHeader, testKey)
	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)
	return rec
}

// postUpload sends an authenticated multipart upload.
func (e *testEnv) postUpload(t *testing.T, owner, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if owner != "" {
		require.NoError(t, writer.WriteField(FieldStudentID, owner))
	}
	part, err := writer.CreateFormFile(FieldUploadFile, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/put_student_report", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(APIKeyHeader, testKey)
	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &value), rec.Body.String())
	return value
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	require.Equal(t, want, rec.Code, rec.Body.String())
}

// TestAuth_RejectsMissingAndWrongKey verifies protected routes answer 401 without the right key.
func TestAuth_RejectsMissingAndWrongKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, key := range []string{"", "wrong-key"} {
		form := url.Values{FieldStudentID: {"1001"}}
		req := httptest.NewRequest(http.MethodPost, "/get_snapshot_list", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if key != "" {
			req.Header.Set(APIKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		env.routes.ServeHTTP(rec, req)

		expectStatus(t, rec, http.StatusUnauthorized)
		body := decodeJSON[errorBody](t, rec)
		assert.Equal(t, http.StatusUnauthorized, body.Status)
		assert.Equal(t, "Not Authorized", body.Error)
		assert.Equal(t, "You are not authorized to access the URL requested.", body.Message)
	}
}

// TestAuth_EmptyConfiguredKeyRejectsEverything verifies an unset key never authenticates.
func TestAuth_EmptyConfiguredKeyRejectsEverything(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	called := false
	protected := requireAPIKey("", logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/snapshot", nil)
	req.Header.Set(APIKeyHeader, "")
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusUnauthorized)
	assert.False(t, called, "handler must not run")
}

// TestHealthAndVersion_NoAuth verifies the service endpoints are open.
func TestHealthAndVersion_NoAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/api/version"} {
		rec := httptest.NewRecorder()
		env.routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		expectStatus(t, rec, http.StatusOK)
	}
}

// TestRoutes_WrongMethod verifies protected routes only accept POST.
func TestRoutes_WrongMethod(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/get_snapshot_list", nil)
	req.Header.Set(APIKeyHeader, testKey)
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusMethodNotAllowed)
}

// TestMissingFields verifies each route answers 406 when a required field is absent.
func TestMissingFields(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cases := []struct {
		path string
		form url.Values
	}{
		{"/get_snapshot_list", url.Values{}},
		{"/get_snapshot_file_list", url.Values{FieldStudentID: {"1001"}}},
		{"/get_snapshot_file", url.Values{FieldStudentID: {"1001"}, FieldSnapshotName: {"hw1_2024-02-01"}}},
		{"/get_snapshot_zip", url.Values{FieldStudentID: {"1001"}}},
		{"/snapshot", url.Values{FieldSnapshotName: {"hw2"}}},
		{"/snapshot_all", url.Values{}},
	}
	for _, tc := range cases {
		rec := env.postForm(t, tc.path, tc.form)
		if !assert.Equal(t, http.StatusNotAcceptable, rec.Code, tc.path) {
			continue
		}
		body := decodeJSON[errorBody](t, rec)
		assert.Equal(t, http.StatusNotAcceptable, body.Status, tc.path)
	}
}

// TestListSnapshots verifies listing and the not-found path.
func TestListSnapshots(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.postForm(t, "/get_snapshot_list", url.Values{FieldStudentID: {"1001"}})
	expectStatus(t, rec, http.StatusOK)
	assert.Equal(t, []string{"hw1_2024-02-01"}, decodeJSON[[]string](t, rec))

	rec = env.postForm(t, "/get_snapshot_list", url.Values{FieldStudentID: {"9999"}})
	expectStatus(t, rec, http.StatusNotFound)
}

// TestListFiles verifies file listing of a snapshot.
func TestListFiles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.postForm(t, "/get_snapshot_file_list", url.Values{
		FieldStudentID:    {"1001"},
		FieldSnapshotName: {"hw1_2024-02-01"},
	})
	expectStatus(t, rec, http.StatusOK)
	assert.Equal(t, []string{"data/scores.csv", "hw1.ipynb"}, decodeJSON[[]string](t, rec))
}

// TestGetFile verifies the attachment headers and rejects traversal.
func TestGetFile(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.postForm(t, "/get_snapshot_file", url.Values{
		FieldStudentID:    {"1001"},
		FieldSnapshotName: {"hw1_2024-02-01"},
		FieldFilename:     {"data/scores.csv"},
	})
	expectStatus(t, rec, http.StatusOK)
	assert.Equal(t, "csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=scores.csv", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "1,2,3", rec.Body.String())

	rec = env.postForm(t, "/get_snapshot_file", url.Values{
		FieldStudentID:    {"1001"},
		FieldSnapshotName: {"hw1_2024-02-01"},
		FieldFilename:     {"../../1002/report.txt"},
	})
	expectStatus(t, rec, http.StatusNotAcceptable)
}

// TestGetZip verifies a single-owner archive is returned as a zip attachment.
func TestGetZip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.postForm(t, "/get_snapshot_zip", url.Values{
		FieldStudentID:    {"1001"},
		FieldSnapshotName: {"hw1_2024-02-01"},
	})
	expectStatus(t, rec, http.StatusOK)
	assert.Equal(t, "zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=1001_hw1_2024-02-01.zip", rec.Header().Get("Content-Disposition"))

	reader, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, file := range reader.File {
		if !strings.HasSuffix(file.Name, "/") {
			names = append(names, file.Name)
		}
	}
	assert.ElementsMatch(t, []string{"1001/hw1_2024-02-01/data/scores.csv", "1001/hw1_2024-02-01/hw1.ipynb"}, names)

	rec = env.postForm(t, "/get_snapshot_zip", url.Values{FieldSnapshotName: {"nope"}})
	expectStatus(t, rec, http.StatusNotFound)
}

// TestUpload verifies placement, the no-overwrite rule and the extension filter.
func TestUpload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.postUpload(t, "1001", "grades.ipynb", `{"cells":[]}`)
	expectStatus(t, rec, http.StatusOK)
	assert.Equal(t, "Success - File Uploaded - grades.ipynb", decodeJSON[string](t, rec))
	data, err := os.ReadFile(filepath.Join(env.layout.HomeDir("1001"), "grades.ipynb"))
	require.NoError(t, err)
	assert.Equal(t, `{"cells":[]}`, string(data))

	rec = env.postUpload(t, "1001", "grades.ipynb", "other")
	expectStatus(t, rec, http.StatusConflict)

	rec = env.postUpload(t, "1001", "tool.exe", "MZ")
	expectStatus(t, rec, http.StatusExpectationFailed)
	assert.NoFileExists(t, filepath.Join(env.layout.HomeDir("1001"), "tool.exe"), "rejected upload is not written")

	rec = env.postUpload(t, "9999", "grades.ipynb", "{}")
	expectStatus(t, rec, http.StatusNotFound)

	rec = env.postUpload(t, "", "grades.ipynb", "{}")
	expectStatus(t, rec, http.StatusNotAcceptable)
}

// TestUpload_TooLarge verifies oversized payloads are refused.
func TestUpload_TooLarge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.postUpload(t, "1001", "big.txt", strings.Repeat("x", int(upload.DefaultMaxSize)+1))
	expectStatus(t, rec, http.StatusRequestEntityTooLarge)
	assert.NoFileExists(t, filepath.Join(env.layout.HomeDir("1001"), "big.txt"), "oversized upload is not written")
}

// TestSnapshot verifies a snapshot is published once and a second request conflicts.
func TestSnapshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	form := url.Values{FieldStudentID: {"1001"}, FieldSnapshotName: {"Midterm Grade"}}

	rec := env.postForm(t, "/snapshot", form)
	expectStatus(t, rec, http.StatusOK)
	assert.Equal(t, "Success - Snapshot Created - midterm-grade_2024-03-01 for Student: 1001", decodeJSON[string](t, rec))
	data, err := os.ReadFile(filepath.Join(env.layout.SnapshotDir("1001", "midterm-grade_2024-03-01"), "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "live 1001", string(data))

	rec = env.postForm(t, "/snapshot", form)
	expectStatus(t, rec, http.StatusConflict)

	rec = env.postForm(t, "/snapshot", url.Values{FieldStudentID: {"9999"}, FieldSnapshotName: {"x"}})
	expectStatus(t, rec, http.StatusNotFound)

	rec = env.postForm(t, "/snapshot", url.Values{FieldStudentID: {"1001"}, FieldSnapshotName: {"!!!"}})
	expectStatus(t, rec, http.StatusNotAcceptable)
}

// TestSnapshotAll verifies every owner gets the same snapshot name.
func TestSnapshotAll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.postForm(t, "/snapshot_all", url.Values{FieldSnapshotName: {"Final"}})
	expectStatus(t, rec, http.StatusOK)
	assert.Equal(t, "Success - Snapshot Created - final_2024-03-01 for All Students", decodeJSON[string](t, rec))
	for _, owner := range []string{"1001", "1002"} {
		assert.DirExists(t, env.layout.SnapshotDir(owner, "final_2024-03-01"))
	}

	rec = env.postForm(t, "/snapshot_all", url.Values{FieldSnapshotName: {"Final"}})
	expectStatus(t, rec, http.StatusConflict)
}

// TestClientIP verifies the forwarded address takes precedence.
func TestClientIP(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodPost, "/snapshot", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	assert.Equal(t, "10.0.0.5", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req), "forwarded address wins")
}
