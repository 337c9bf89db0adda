// Package v2 implements the pub repository v2 HTTP protocol.
package v2

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/toolhive-pub-registry/internal/api/common"
	"github.com/stacklok/toolhive-pub-registry/internal/archive"
	"github.com/stacklok/toolhive-pub-registry/internal/auth"
	"github.com/stacklok/toolhive-pub-registry/internal/pubspec"
	"github.com/stacklok/toolhive-pub-registry/internal/registry"
)

const (
	// DefaultMaxArchiveBytes bounds the size of an uploaded archive
	DefaultMaxArchiveBytes int64 = 100 << 20

	// uploadFieldName is the multipart form field carrying the archive
	uploadFieldName = "file"

	// multipartOverhead is allowed on top of the archive for multipart framing
	multipartOverhead int64 = 1 << 20
)

// Error codes returned in the error envelope
const (
	CodeMissingPubspec   = "missing_pubspec"
	CodeInvalidPubspec   = "invalid_pubspec"
	CodeInvalidUpload    = "invalid_upload"
	CodePackageMismatch  = "package_mismatch"
	CodeDuplicateVersion = "duplicate_version"
	CodeUploadNotFound   = "upload_not_found"
	CodePackageNotFound  = "package_not_found"
	CodeVersionNotFound  = "version_not_found"
	CodeArchiveTooLarge  = "archive_too_large"
	CodeInternalError    = "internal_error"
)

// Routes is the handler for the /api sub-tree
type Routes struct {
	service         registry.Service
	gate            *auth.Gate
	maxArchiveBytes int64
}

// Option configures Routes
type Option func(*Routes)

// WithMaxArchiveBytes overrides DefaultMaxArchiveBytes
func WithMaxArchiveBytes(n int64) Option {
	return func(r *Routes) {
		if n > 0 {
			r.maxArchiveBytes = n
		}
	}
}

// NewRoutes creates the pub API handlers
func NewRoutes(svc registry.Service, gate *auth.Gate, opts ...Option) *Routes {
	routes := &Routes{
		service:         svc,
		gate:            gate,
		maxArchiveBytes: DefaultMaxArchiveBytes,
	}
	for _, opt := range opts {
		opt(routes)
	}
	return routes
}

// Router creates a router for the pub repository API
func Router(svc registry.Service, gate *auth.Gate, opts ...Option) http.Handler {
	routes := NewRoutes(svc, gate, opts...)

	r := chi.NewRouter()

	// Downloads are public
	r.Get("/packages/{package}", routes.getPackage)
	r.Get("/packages/{package}/archive/{archive}", routes.downloadArchive)

	// Publishing requires a token
	r.Group(func(r chi.Router) {
		r.Use(gate.Middleware)
		r.Get("/packages/versions/new", routes.requestUploadURL)
		r.Post("/upload/content", routes.uploadContent)
		r.Get("/upload/finalize/{package}/{uploadId}", routes.finalizeUpload)
	})

	return r
}

// requestUploadURL handles GET /api/packages/versions/new
func (routes *Routes) requestUploadURL(w http.ResponseWriter, r *http.Request) {
	target, err := routes.service.RequestUploadURL(r.Context())
	if err != nil {
		routes.writeServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, target, http.StatusOK)
}

// uploadContent handles POST /api/upload/content
func (routes *Routes) uploadContent(w http.ResponseWriter, r *http.Request) {
	tok, _ := auth.TokenFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, routes.maxArchiveBytes+multipartOverhead)
	data, err := routes.readArchive(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), errors.Is(err, errArchiveTooLarge):
			common.WriteErrorResponse(w, CodeArchiveTooLarge,
				fmt.Sprintf("Package archive exceeds the maximum size of %d bytes.", routes.maxArchiveBytes),
				http.StatusRequestEntityTooLarge)
		default:
			common.WriteErrorResponse(w, CodeInvalidUpload, err.Error(), http.StatusBadRequest)
		}
		return
	}

	staged, err := routes.service.UploadContent(r.Context(), tok, data)
	if err != nil {
		routes.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", staged.FinalizeURL)
	w.WriteHeader(http.StatusNoContent)
}

var errArchiveTooLarge = errors.New("archive too large")

// readArchive returns the contents of the multipart "file" field.
func (routes *Routes) readArchive(r *http.Request) ([]byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected a multipart/form-data body: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("multipart body has no %q field", uploadFieldName)
		}
		if err != nil {
			return nil, fmt.Errorf("malformed multipart body: %w", err)
		}
		if part.FormName() != uploadFieldName {
			_ = part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, routes.maxArchiveBytes+1))
		_ = part.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %q field: %w", uploadFieldName, err)
		}
		if int64(len(data)) > routes.maxArchiveBytes {
			return nil, errArchiveTooLarge
		}
		return data, nil
	}
}

// finalizeUpload handles GET /api/upload/finalize/{package}/{uploadId}
func (routes *Routes) finalizeUpload(w http.ResponseWriter, r *http.Request) {
	tok, _ := auth.TokenFromContext(r.Context())

	pkg, err := common.GetAndValidateURLParam(r, "package")
	if err != nil {
		common.WriteErrorResponse(w, CodeUploadNotFound, err.Error(), http.StatusNotFound)
		return
	}
	uploadID, err := common.GetAndValidateURLParam(r, "uploadId")
	if err != nil {
		common.WriteErrorResponse(w, CodeUploadNotFound, err.Error(), http.StatusNotFound)
		return
	}

	result, err := routes.service.FinalizeUpload(r.Context(), tok, pkg, uploadID)
	if err != nil {
		routes.writeServiceError(w, r, err)
		return
	}

	common.WriteSuccessResponse(w, fmt.Sprintf("Successfully uploaded %s version %s.", result.Package, result.Version))
}

// getPackage handles GET /api/packages/{package}
func (routes *Routes) getPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := common.GetPackageParam(r, "package")
	if err != nil {
		common.WriteErrorResponse(w, CodePackageNotFound, err.Error(), http.StatusNotFound)
		return
	}

	meta, err := routes.service.GetPackageMetadata(r.Context(), pkg)
	if err != nil {
		routes.writeServiceError(w, r, err)
		return
	}
	common.WriteJSONResponse(w, meta, http.StatusOK)
}

// downloadArchive handles GET /api/packages/{package}/archive/{versionId}.tar.gz
func (routes *Routes) downloadArchive(w http.ResponseWriter, r *http.Request) {
	pkg, err := common.GetPackageParam(r, "package")
	if err != nil {
		common.WriteErrorResponse(w, CodePackageNotFound, err.Error(), http.StatusNotFound)
		return
	}
	file, err := common.GetAndValidateURLParam(r, "archive")
	if err != nil || !strings.HasSuffix(file, archive.Extension) {
		common.WriteErrorResponse(w, CodeVersionNotFound, "archive not found", http.StatusNotFound)
		return
	}
	versionID := strings.TrimSuffix(file, archive.Extension)

	blob, err := routes.service.OpenArchive(r.Context(), pkg, versionID)
	if err != nil {
		routes.writeServiceError(w, r, err)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, file, time.Time{}, blob)
}

// writeServiceError maps service errors to HTTP responses.
func (routes *Routes) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInsufficientAuthorization):
		routes.gate.WriteError(w, err)
	case errors.Is(err, pubspec.ErrMissingPubspec):
		common.WriteErrorResponse(w, CodeMissingPubspec, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pubspec.ErrInvalidPubspec):
		common.WriteErrorResponse(w, CodeInvalidPubspec, err.Error(), http.StatusBadRequest)
	case errors.Is(err, registry.ErrPackageMismatch):
		common.WriteErrorResponse(w, CodePackageMismatch, err.Error(), http.StatusBadRequest)
	case errors.Is(err, registry.ErrDuplicateVersion):
		common.WriteErrorResponse(w, CodeDuplicateVersion, err.Error(), http.StatusBadRequest)
	case errors.Is(err, registry.ErrUploadNotFound):
		common.WriteErrorResponse(w, CodeUploadNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrPackageNotFound):
		common.WriteErrorResponse(w, CodePackageNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrVersionNotFound):
		common.WriteErrorResponse(w, CodeVersionNotFound, err.Error(), http.StatusNotFound)
	default:
		slog.Error("Request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
		)
		common.WriteErrorResponse(w, CodeInternalError, "An internal error occurred.", http.StatusInternalServerError)
	}
}
