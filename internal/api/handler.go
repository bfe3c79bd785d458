package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/fclairamb/snapapi/internal/apperrors"
	"github.com/fclairamb/snapapi/internal/archive"
	"github.com/fclairamb/snapapi/internal/snapshot"
	"github.com/fclairamb/snapapi/internal/version"
)

// Form fields.
const (
	FieldStudentID    = "STUDENT_ID"
	FieldSnapshotName = "SNAPSHOT_NAME"
	FieldFilename     = "SNAPSHOT_FILENAME"
	FieldUploadFile   = "UPLOAD_FILE"
)

const (
	// formBodyLimit caps request bodies of routes that only carry form fields.
	formBodyLimit = 1 << 20
	// multipartOverhead is allowed on top of the upload size for headers and other fields.
	multipartOverhead = 64 << 10
	// multipartMemory is how much of a multipart body is kept in memory before spilling to disk.
	multipartMemory = 4 << 20
)

// Snapshotter creates snapshots.
type Snapshotter interface {
	Create(ctx context.Context, owner, label string) (string, error)
	CreateAll(ctx context.Context, label string) (*snapshot.BulkResult, error)
}

// Querier reads published snapshots.
type Querier interface {
	ListSnapshots(ctx context.Context, owner string) ([]string, error)
	ListFiles(ctx context.Context, owner, name string) ([]string, error)
	ReadFile(ctx context.Context, owner, name, relPath string) (*snapshot.File, error)
}

// Archiver zips snapshots.
type Archiver interface {
	Build(ctx context.Context, owner, name string) (*archive.Archive, error)
}

// Uploader places files into home trees.
type Uploader interface {
	Place(ctx context.Context, owner, filename string, payload io.Reader) (string, error)
	MaxSize() int64
}

// Handler serves the snapshot API.
type Handler struct {
	snapshots Snapshotter
	query     Querier
	archives  Archiver
	uploads   Uploader
	logger    *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	snapshots Snapshotter,
	query Querier,
	archives Archiver,
	uploads Uploader,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		snapshots: snapshots,
		query:     query,
		archives:  archives,
		uploads:   uploads,
		logger:    logger,
	}
}

type errorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleListSnapshots returns the names of an owner's snapshots.
func (h *Handler) HandleListSnapshots(w http.ResponseWriter, req *http.Request) {
	fields, err := h.formFields(w, req, FieldStudentID)
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	names, err := h.query.ListSnapshots(req.Context(), fields[0])
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, names, h.logger)
}

// HandleListFiles returns the files of one snapshot.
func (h *Handler) HandleListFiles(w http.ResponseWriter, req *http.Request) {
	fields, err := h.formFields(w, req, FieldStudentID, FieldSnapshotName)
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	files, err := h.query.ListFiles(req.Context(), fields[0], fields[1])
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, files, h.logger)
}

// HandleGetFile sends one file of a snapshot as an attachment.
func (h *Handler) HandleGetFile(w http.ResponseWriter, req *http.Request) {
	fields, err := h.formFields(w, req, FieldStudentID, FieldSnapshotName, FieldFilename)
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	file, err := h.query.ReadFile(req.Context(), fields[0], fields[1], fields[2])
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	writeAttachment(w, file.ContentType, file.Filename, file.Data, h.logger)
}

// HandleGetZip sends a zip of one owner's snapshot, or of every owner's snapshot with
// that name when STUDENT_ID is absent.
func (h *Handler) HandleGetZip(w http.ResponseWriter, req *http.Request) {
	fields, err := h.formFields(w, req, FieldSnapshotName)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	owner := req.FormValue(FieldStudentID)

	bundle, err := h.archives.Build(req.Context(), owner, fields[0])
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	writeAttachment(w, "zip", bundle.Filename, bundle.Data, h.logger)
}

// HandleUpload places an uploaded file into an owner's home tree.
func (h *Handler) HandleUpload(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	req.Body = http.MaxBytesReader(w, req.Body, h.uploads.MaxSize()+multipartOverhead)
	if err := req.ParseMultipartForm(multipartMemory); err != nil {
		h.writeError(w, req, classifyBodyError(err))
		return
	}
	defer func() {
		if err := req.MultipartForm.RemoveAll(); err != nil {
			h.logger.WarnContext(ctx, "failed to remove multipart temp files", "error", err)
		}
	}()

	owner := req.FormValue(FieldStudentID)
	if owner == "" {
		h.writeError(w, req, missingField(FieldStudentID))
		return
	}

	file, header, err := req.FormFile(FieldUploadFile)
	if err != nil {
		h.writeError(w, req, missingField(FieldUploadFile))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		h.writeError(w, req, missingField(FieldUploadFile+" file name"))
		return
	}
	if header.Size > h.uploads.MaxSize() {
		h.writeError(w, req, apperrors.New(apperrors.KindTooLarge, "", "file exceeds %d bytes", h.uploads.MaxSize()))
		return
	}

	name, err := h.uploads.Place(ctx, owner, header.Filename, file)
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, "Success - File Uploaded - "+name, h.logger)
}

// HandleSnapshot snapshots one owner. The snapshot runs to completion even if the client
// goes away.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, req *http.Request) {
	fields, err := h.formFields(w, req, FieldStudentID, FieldSnapshotName)
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	name, err := h.snapshots.Create(context.WithoutCancel(req.Context()), fields[0], fields[1])
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, "Success - Snapshot Created - "+name+" for Student: "+fields[0], h.logger)
}

// HandleSnapshotAll snapshots every owner under the same name.
func (h *Handler) HandleSnapshotAll(w http.ResponseWriter, req *http.Request) {
	fields, err := h.formFields(w, req, FieldSnapshotName)
	if err != nil {
		h.writeError(w, req, err)
		return
	}

	result, err := h.snapshots.CreateAll(context.WithoutCancel(req.Context()), fields[0])
	if err != nil {
		h.writeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, "Success - Snapshot Created - "+result.Name+" for All Students", h.logger)
}

// HandleVersion handles the /api/version endpoint.
func (h *Handler) HandleVersion(writer http.ResponseWriter, req *http.Request) {
	response := map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_time": version.GitTime,
	}
	writeJSON(writer, http.StatusOK, response, h.logger)
}

// HandleHealth handles the /health endpoint for health checks.
func (h *Handler) HandleHealth(writer http.ResponseWriter, req *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
}

// formFields parses the form and returns the named fields, which must all be non-empty.
func (h *Handler) formFields(w http.ResponseWriter, req *http.Request, names ...string) ([]string, error) {
	req.Body = http.MaxBytesReader(w, req.Body, formBodyLimit)
	if err := req.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, classifyBodyError(err)
	}

	values := make([]string, len(names))
	for i, name := range names {
		values[i] = req.FormValue(name)
		if values[i] == "" {
			return nil, missingField(name)
		}
	}
	return values, nil
}

func (h *Handler) writeError(w http.ResponseWriter, req *http.Request, err error) {
	httpErr := apperrors.ToHTTP(err)

	if httpErr.StatusCode >= http.StatusInternalServerError {
		h.logger.ErrorContext(req.Context(), "request failed", "path", req.URL.Path, "error", err)
	} else {
		h.logger.InfoContext(req.Context(), "request rejected",
			"path", req.URL.Path,
			"status", httpErr.StatusCode,
			"error", err)
	}

	writeJSON(w, httpErr.StatusCode, errorBody{
		Status:  httpErr.StatusCode,
		Error:   httpErr.Title,
		Message: httpErr.Body,
	}, h.logger)
}

func missingField(name string) error {
	return apperrors.New(apperrors.KindMissingField, "", "missing %s value", name)
}

func classifyBodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperrors.New(apperrors.KindTooLarge, "", "request body exceeds %d bytes", maxErr.Limit)
	}
	return &apperrors.Error{Kind: apperrors.KindInvalidInput, Msg: "malformed request body", Err: err}
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, data []byte, logger *slog.Logger) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Warn("failed to write attachment", "filename", filename, "error", err)
	}
}
