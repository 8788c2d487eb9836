package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ignite/listing-import/internal/importer"
	"github.com/ignite/listing-import/internal/pkg/distlock"
	"github.com/ignite/listing-import/internal/pkg/httputil"
	"github.com/ignite/listing-import/internal/pkg/logger"
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("import session not found")

// writeError maps an import error onto a status code and a public message.
// Client errors carry their own message; everything else is logged and
// answered with a generic one so that database and storage details never
// reach API consumers.
func writeError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case importer.IsParseError(err):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "parse_error", err.Error(), nil)
	case errors.Is(err, ErrSessionNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, importer.ErrStageTransition):
		httputil.Conflict(w, "invalid_stage", err.Error())
	case errors.Is(err, importer.ErrSessionBusy):
		httputil.Conflict(w, "session_busy", err.Error())
	case errors.Is(err, distlock.ErrLockHeld):
		httputil.Conflict(w, "commit_in_progress", "a commit is already running for this session")
	case errors.Is(err, importer.ErrInvalidOptions),
		errors.Is(err, importer.ErrNoSource),
		errors.Is(err, errBadUpload):
		httputil.ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.As(err, &maxBytes):
		httputil.ErrorCode(w, http.StatusRequestEntityTooLarge, "file_too_large", "upload exceeds the size limit", nil)
	default:
		logger.Error("[API] request failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, safeErrorMessage(err))
	}
}

// safeErrorMessage maps common internal error patterns to public-safe
// messages for 5xx responses.
func safeErrorMessage(err error) string {
	if err == nil {
		return "An internal error occurred"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "Request timed out"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp"):
		return "Service temporarily unavailable"

	case strings.Contains(errStr, "sql") ||
		strings.Contains(errStr, "pq:") ||
		strings.Contains(errStr, "transaction") ||
		strings.Contains(errStr, "database"):
		return "A database error occurred"

	case strings.Contains(errStr, "s3") ||
		strings.Contains(errStr, "storage"):
		return "A storage error occurred"

	default:
		return "An internal error occurred"
	}
}
