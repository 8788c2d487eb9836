package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/listing-import/internal/importer"
	"github.com/ignite/listing-import/internal/pkg/distlock"
	"github.com/ignite/listing-import/internal/pkg/httputil"
	"github.com/ignite/listing-import/internal/pkg/logger"
	"github.com/ignite/listing-import/internal/progress"
	"github.com/ignite/listing-import/internal/storage"
)

var errBadUpload = errors.New("invalid upload")

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temporary files.
const multipartMemory = 8 << 20

// ImportHandlers serves the import API.
type ImportHandlers struct {
	pipeline         *importer.Pipeline
	sessions         *SessionManager
	store            storage.BlobStore
	progress         progress.Store
	locks            *distlock.Factory
	maxUpload        int64
	defaultBatchSize int
}

// HandlerDeps groups the collaborators of ImportHandlers.
type HandlerDeps struct {
	Pipeline         *importer.Pipeline
	Sessions         *SessionManager
	Store            storage.BlobStore
	Progress         progress.Store
	Locks            *distlock.Factory
	MaxUploadBytes   int64
	DefaultBatchSize int
}

func NewImportHandlers(d HandlerDeps) *ImportHandlers {
	if d.Progress == nil {
		d.Progress = progress.NewMemoryStore()
	}
	if d.Locks == nil {
		d.Locks = distlock.NewFactory(nil, nil, 0)
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 32 << 20
	}
	if d.DefaultBatchSize <= 0 {
		d.DefaultBatchSize = importer.DefaultBatchSize
	}
	return &ImportHandlers{
		pipeline:         d.Pipeline,
		sessions:         d.Sessions,
		store:            d.Store,
		progress:         d.Progress,
		locks:            d.Locks,
		maxUpload:        d.MaxUploadBytes,
		defaultBatchSize: d.DefaultBatchSize,
	}
}

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

// GetFields lists the accepted columns.
//
//	GET /api/imports/fields
func (h *ImportHandlers) GetFields(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{"fields": h.pipeline.Schema().Fields()})
}

// GetTemplate returns a CSV with the canonical header and one example row.
//
//	GET /api/imports/template
func (h *ImportHandlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	fields := h.pipeline.Schema().Fields()
	header := make([]string, len(fields))
	example := make([]string, len(fields))
	for i, f := range fields {
		header[i] = f.Name
		example[i] = f.Example
	}

	httputil.Attachment(w, "listing-import-template.csv", "text/csv; charset=utf-8")
	cw := csv.NewWriter(w)
	cw.Write(header)
	cw.Write(example)
	cw.Flush()
}

// ---------------------------------------------------------------------------
// Stateless operations
// ---------------------------------------------------------------------------

// Preview previews an uploaded file without creating a session.
//
//	POST /api/imports/preview
func (h *ImportHandlers) Preview(w http.ResponseWriter, r *http.Request) {
	src, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.pipeline.Preview(r.Context(), src)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

// Validate validates an uploaded file without creating a session.
//
//	POST /api/imports/validate
func (h *ImportHandlers) Validate(w http.ResponseWriter, r *http.Request) {
	src, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.pipeline.Validate(r.Context(), src)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

// Commit imports an uploaded file in one call. Options come from the
// "options" form field as JSON.
//
//	POST /api/imports/commit
func (h *ImportHandlers) Commit(w http.ResponseWriter, r *http.Request) {
	src, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts := importer.ImportOptions{BatchSize: h.defaultBatchSize}
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			httputil.BadRequest(w, "invalid options: "+err.Error())
			return
		}
		if opts.BatchSize == 0 {
			opts.BatchSize = h.defaultBatchSize
		}
	}
	res, err := h.pipeline.Commit(r.Context(), src, opts, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

// readUpload buffers the "file" part of a multipart request.
func (h *ImportHandlers) readUpload(w http.ResponseWriter, r *http.Request) (importer.BytesSource, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return importer.BytesSource{}, uploadError(err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return importer.BytesSource{}, fmt.Errorf("%w: missing file field", errBadUpload)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return importer.BytesSource{}, uploadError(err)
	}
	return importer.BytesSource{Filename: header.Filename, Data: data}, nil
}

func uploadError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	return fmt.Errorf("%w: %v", errBadUpload, err)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSession starts a new import in the upload stage.
//
//	POST /api/imports
func (h *ImportHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Create()
	httputil.Created(w, s.Snapshot())
}

// GetSession returns the state of a session.
//
//	GET /api/imports/{id}
func (h *ImportHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	httputil.OK(w, s.Snapshot())
}

// UploadFile stores the uploaded file and previews it. Selecting a new file
// discards everything known about the previous one.
//
//	POST /api/imports/{id}/file
func (h *ImportHandlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, uploadError(err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing file field", errBadUpload))
		return
	}
	defer file.Close()

	ctx := r.Context()
	key := path.Join(s.ID, uuid.New().String()+"-"+sanitizeFilename(header.Filename))
	if err := h.store.Put(ctx, key, file, header.Size); err != nil {
		writeError(w, fmt.Errorf("storage put: %w", err))
		return
	}
	src := storage.Object{Store: h.store, Key: key, Filename: header.Filename}

	preview, err := s.SelectFile(ctx, src)
	if err != nil {
		h.deleteBlob(ctx, key)
		writeError(w, err)
		return
	}
	if old := h.sessions.SetBlob(s.ID, key); old != "" {
		h.deleteBlob(ctx, old)
	}
	httputil.OK(w, preview)
}

// ValidateSession validates the whole selected file.
//
//	POST /api/imports/{id}/validate
func (h *ImportHandlers) ValidateSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := s.Validate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

// SetOptions records duplicate handling and batch size.
//
//	PUT /api/imports/{id}/options
func (h *ImportHandlers) SetOptions(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var opts importer.ImportOptions
	if !httputil.Decode(w, r, &opts) {
		return
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = h.defaultBatchSize
	}
	normalized, err := s.SetOptions(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, normalized)
}

// CommitSession writes the file. The commit holds the session's commit lock
// and keeps running if the client disconnects; only a reset cancels it.
//
//	POST /api/imports/{id}/commit
func (h *ImportHandlers) CommitSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ctx := context.WithoutCancel(r.Context())

	onProgress := func(p importer.Progress) {
		saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.progress.Save(saveCtx, s.ID, p); err != nil {
			logger.Warn("[API] failed to publish progress", "session_id", s.ID, "error", err)
		}
	}

	var res *importer.ImportResult
	err := distlock.WithLock(ctx, h.locks.Commit(s.ID), func() error {
		var err error
		res, err = s.Commit(ctx, onProgress)
		return err
	})
	if importer.IsReset(err) {
		// A save racing ResetSession's delete may have landed after it.
		if derr := h.progress.Delete(ctx, s.ID); derr != nil {
			logger.Warn("[API] failed to clear progress", "session_id", s.ID, "error", derr)
		}
		httputil.ErrorCode(w, http.StatusConflict, "session_reset", err.Error(), res)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

// GetProgress returns the latest commit progress.
//
//	GET /api/imports/{id}/progress
func (h *ImportHandlers) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, found, err := h.progress.Load(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if found {
		httputil.OK(w, p)
		return
	}

	s, err := h.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap := s.Snapshot(); snap.Progress != nil {
		httputil.OK(w, snap.Progress)
		return
	}
	httputil.NotFound(w, "no commit progress recorded for this session")
}

// GetErrorsCSV downloads the most recent error list as CSV.
//
//	GET /api/imports/{id}/errors.csv
func (h *ImportHandlers) GetErrorsCSV(w http.ResponseWriter, r *http.Request) {
	h.writeReport(w, r, "csv")
}

// GetErrorsXLSX downloads the most recent error list as a workbook.
//
//	GET /api/imports/{id}/errors.xlsx
func (h *ImportHandlers) GetErrorsXLSX(w http.ResponseWriter, r *http.Request) {
	h.writeReport(w, r, "xlsx")
}

func (h *ImportHandlers) writeReport(w http.ResponseWriter, r *http.Request, format string) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	errs, ok := reportErrors(s.Snapshot())
	if !ok {
		httputil.NotFound(w, "no error report is available for this session yet")
		return
	}

	var buf bytes.Buffer
	var err error
	contentType := "text/csv; charset=utf-8"
	if format == "xlsx" {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		err = importer.WriteErrorReportXLSX(&buf, errs)
	} else {
		err = importer.WriteErrorReport(&buf, errs)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Attachment(w, "import-errors-"+s.ID+"."+format, contentType)
	w.Write(buf.Bytes())
}

// reportErrors picks the errors of the furthest completed stage.
func reportErrors(snap importer.SessionSnapshot) ([]importer.ValidationError, bool) {
	switch {
	case snap.Result != nil:
		return snap.Result.Errors, true
	case snap.Abandoned != nil && snap.Preview == nil:
		return snap.Abandoned.Errors, true
	case snap.Validation != nil:
		return snap.Validation.Errors, true
	case snap.Preview != nil:
		return snap.Preview.ValidationErrors, true
	default:
		return nil, false
	}
}

// ResetSession abandons the session and returns it to upload.
//
//	POST /api/imports/{id}/reset
func (h *ImportHandlers) ResetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Reset()
	if err := h.progress.Delete(r.Context(), s.ID); err != nil {
		logger.Warn("[API] failed to clear progress", "session_id", s.ID, "error", err)
	}
	logger.Info("[API] import session reset", "session_id", s.ID)
	httputil.OK(w, s.Snapshot())
}

// DeleteSession discards the session and its upload.
//
//	DELETE /api/imports/{id}
func (h *ImportHandlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.progress.Delete(r.Context(), id); err != nil {
		logger.Warn("[API] failed to clear progress", "session_id", id, "error", err)
	}
	httputil.NoContent(w)
}

func (h *ImportHandlers) session(w http.ResponseWriter, r *http.Request) (*importer.Session, bool) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return s, true
}

func (h *ImportHandlers) deleteBlob(ctx context.Context, key string) {
	if err := h.store.Delete(ctx, key); err != nil {
		logger.Warn("[API] failed to delete upload", "key", key, "error", err)
	}
}

// sanitizeFilename keeps the base name and replaces anything outside a
// conservative character set.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if out == "" || out == "." {
		return "upload.csv"
	}
	return out
}
