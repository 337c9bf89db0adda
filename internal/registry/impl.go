package registry

import (
	"context"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/toolhive-pub-registry/internal/archive"
	"github.com/stacklok/toolhive-pub-registry/internal/auth"
	"github.com/stacklok/toolhive-pub-registry/internal/index"
	"github.com/stacklok/toolhive-pub-registry/internal/otel"
	"github.com/stacklok/toolhive-pub-registry/internal/pubspec"
	"github.com/stacklok/toolhive-pub-registry/internal/staging"
	"github.com/stacklok/toolhive-pub-registry/internal/telemetry"
)

// ServiceTracerName is the name used for the registry service tracer
const ServiceTracerName = "github.com/stacklok/toolhive-pub-registry/registry"

// IndexStore is the subset of the index store used by the service
type IndexStore interface {
	Load(ctx context.Context, name string, allowEmpty bool) (*index.Index, error)
	Update(ctx context.Context, name string, fn index.UpdateFunc) (*index.Index, error)
	List(ctx context.Context) ([]string, error)
}

// ArchiveStore is the subset of the archive store used by the service
type ArchiveStore interface {
	Write(ctx context.Context, pkg, versionID string, data []byte) error
	Open(ctx context.Context, pkg, versionID string) (*archive.Blob, error)
}

// Stager holds uploads between upload and finalize
type Stager interface {
	Stage(manifest *pubspec.Manifest, archive []byte) (*staging.Upload, error)
	Take(id string) (*staging.Upload, error)
	Running() bool
}

var (
	_ IndexStore   = (*index.Store)(nil)
	_ ArchiveStore = (*archive.Store)(nil)
	_ Stager       = (*staging.Store)(nil)
)

type service struct {
	baseURL  string
	index    IndexStore
	archives ArchiveStore
	staging  Stager
	authz    auth.Authorizer
	metrics  *telemetry.PublishMetrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures the service
type Option func(*service)

// WithMetrics records publish metrics on m
func WithMetrics(m *telemetry.PublishMetrics) Option {
	return func(s *service) {
		s.metrics = m
	}
}

// WithTracer traces every operation with t
func WithTracer(t trace.Tracer) Option {
	return func(s *service) {
		s.tracer = t
	}
}

// WithClock sets the clock used for publish timestamps
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service. baseURL is the externally visible root of the
// server and is used to build upload, finalize and archive URLs.
func New(
	baseURL string,
	idx IndexStore,
	archives ArchiveStore,
	stager Stager,
	authz auth.Authorizer,
	opts ...Option,
) (Service, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute: %q", baseURL)
	}
	if idx == nil || archives == nil || stager == nil || authz == nil {
		return nil, errors.New("index, archive store, staging and authorizer are required")
	}

	s := &service{
		baseURL:  strings.TrimRight(baseURL, "/"),
		index:    idx,
		archives: archives,
		staging:  stager,
		authz:    authz,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.StartSpan(ctx, s.tracer, name, trace.WithAttributes(attrs...))
}

// RequestUploadURL implements Service.RequestUploadURL
func (s *service) RequestUploadURL(ctx context.Context) (*UploadTarget, error) {
	_, span := s.startSpan(ctx, "registry.RequestUploadURL")
	defer span.End()

	return &UploadTarget{
		URL:    s.baseURL + "/api/upload/content",
		Fields: map[string]string{},
	}, nil
}

// UploadContent implements Service.UploadContent
func (s *service) UploadContent(ctx context.Context, tok *auth.Token, data []byte) (*StagedUpload, error) {
	ctx, span := s.startSpan(ctx, "registry.UploadContent", otel.AttrArchiveSize.Int(len(data)))
	defer span.End()

	manifest, err := pubspec.FromArchive(data)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		otel.AttrPackageName.String(manifest.Name),
		otel.AttrPackageVersion.String(manifest.Version),
	)

	if err := s.authz.CheckAuthorization(tok, manifest.Name); err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	upload, err := s.staging.Stage(manifest, data)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}
	span.SetAttributes(otel.AttrUploadID.String(upload.ID))
	s.metrics.RecordUploadStaged(ctx, manifest.Name, int64(len(data)))

	slog.Debug("Upload staged",
		"package", manifest.Name,
		"version", manifest.Version,
		"upload_id", upload.ID,
		"size", len(data),
	)

	return &StagedUpload{
		UploadID:    upload.ID,
		Package:     manifest.Name,
		Version:     manifest.Version,
		FinalizeURL: s.finalizeURL(manifest.Name, upload.ID),
	}, nil
}

// FinalizeUpload implements Service.FinalizeUpload. The archive is written
// before the index entry, both while holding the package's index lock.
func (s *service) FinalizeUpload(ctx context.Context, tok *auth.Token, pkg, uploadID string) (*FinalizeResult, error) {
	ctx, span := s.startSpan(ctx, "registry.FinalizeUpload",
		otel.AttrPackageName.String(pkg),
		otel.AttrUploadID.String(uploadID),
	)
	defer span.End()

	start := s.now()
	outcome := telemetry.OutcomeError
	defer func() {
		s.metrics.RecordFinalize(ctx, pkg, outcome, s.now().Sub(start))
	}()

	if err := s.authz.CheckAuthorization(tok, pkg); err != nil {
		outcome = telemetry.OutcomeUnauthorized
		otel.RecordError(span, err)
		return nil, err
	}

	upload, err := s.staging.Take(uploadID)
	if err != nil {
		outcome = telemetry.OutcomeNotFound
		if errors.Is(err, staging.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
		}
		otel.RecordError(span, err)
		return nil, err
	}

	manifest := upload.Manifest
	span.SetAttributes(otel.AttrPackageVersion.String(manifest.Version))
	if manifest.Name != pkg {
		outcome = telemetry.OutcomeMismatch
		err := fmt.Errorf("%w: upload is for %q", ErrPackageMismatch, manifest.Name)
		otel.RecordError(span, err)
		return nil, err
	}

	versionID, err := uuid.NewRandom()
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to generate version identifier: %w", err)
	}
	entry := index.Entry{
		ID:            versionID.String(),
		Version:       manifest.Version,
		ArchiveSHA256: digest.SHA256.FromBytes(upload.Archive).Encoded(),
		Pubspec:       manifest.Document,
		Published:     s.now().UTC().Truncate(time.Second),
	}
	span.SetAttributes(otel.AttrVersionID.String(entry.ID))

	_, err = s.index.Update(ctx, pkg, func(idx *index.Index) (bool, error) {
		if _, exists := idx.Find(entry.Version); exists {
			return false, fmt.Errorf("%w: %s %s", ErrDuplicateVersion, pkg, entry.Version)
		}
		if err := s.archives.Write(ctx, pkg, entry.ID, upload.Archive); err != nil {
			return false, fmt.Errorf("failed to store archive: %w", err)
		}
		idx.Versions = append(idx.Versions, entry)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateVersion) {
			outcome = telemetry.OutcomeDuplicate
		}
		otel.RecordError(span, err)
		return nil, err
	}

	outcome = telemetry.OutcomeSuccess
	owner := ""
	if tok != nil {
		owner = tok.Owner
	}
	slog.Info("Package version published",
		"package", pkg,
		"version", entry.Version,
		"version_id", entry.ID,
		"archive_sha256", entry.ArchiveSHA256,
		"owner", owner,
	)

	return &FinalizeResult{
		Package:       pkg,
		Version:       entry.Version,
		VersionID:     entry.ID,
		ArchiveSHA256: entry.ArchiveSHA256,
	}, nil
}

// GetPackageMetadata implements Service.GetPackageMetadata
func (s *service) GetPackageMetadata(ctx context.Context, pkg string) (*PackageMetadata, error) {
	ctx, span := s.startSpan(ctx, "registry.GetPackageMetadata", otel.AttrPackageName.String(pkg))
	defer span.End()

	idx, err := s.loadIndex(ctx, pkg)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	latest, _ := idx.Latest()
	meta := &PackageMetadata{
		Name:     idx.Name,
		Latest:   s.versionInfo(pkg, latest),
		Versions: make([]VersionInfo, 0, len(idx.Versions)),
	}
	for _, e := range idx.Versions {
		meta.Versions = append(meta.Versions, s.versionInfo(pkg, e))
	}
	span.SetAttributes(otel.AttrResultCount.Int(len(meta.Versions)))
	return meta, nil
}

// OpenArchive implements Service.OpenArchive
func (s *service) OpenArchive(ctx context.Context, pkg, versionID string) (*archive.Blob, error) {
	ctx, span := s.startSpan(ctx, "registry.OpenArchive",
		otel.AttrPackageName.String(pkg),
		otel.AttrVersionID.String(versionID),
	)
	defer span.End()

	idx, err := s.loadIndex(ctx, pkg)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	if _, ok := idx.FindID(versionID); !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrVersionNotFound, pkg, versionID)
	}

	blob, err := s.archives.Open(ctx, pkg, versionID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			slog.Error("Indexed archive is missing", "package", pkg, "version_id", versionID)
			return nil, fmt.Errorf("%w: %s/%s", ErrVersionNotFound, pkg, versionID)
		}
		otel.RecordError(span, err)
		return nil, err
	}
	return blob, nil
}

// CheckReadiness implements Service.CheckReadiness
func (s *service) CheckReadiness(ctx context.Context) error {
	if !s.staging.Running() {
		return errors.New("upload staging is not running")
	}
	if _, err := s.index.List(ctx); err != nil {
		return fmt.Errorf("package repository is not readable: %w", err)
	}
	return nil
}

// loadIndex returns the index of pkg, mapping unknown and invalid names to ErrPackageNotFound.
func (s *service) loadIndex(ctx context.Context, pkg string) (*index.Index, error) {
	idx, err := s.index.Load(ctx, pkg, false)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) || errors.Is(err, index.ErrInvalidName) {
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, pkg)
		}
		return nil, err
	}
	if len(idx.Versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, pkg)
	}
	return idx, nil
}

func (s *service) versionInfo(pkg string, e index.Entry) VersionInfo {
	return VersionInfo{
		Version:       e.Version,
		Pubspec:       e.Pubspec,
		ArchiveURL:    s.archiveURL(pkg, e.ID),
		ArchiveSHA256: e.ArchiveSHA256,
		Published:     e.Published,
	}
}

func (s *service) finalizeURL(pkg, uploadID string) string {
	return s.baseURL + "/api/upload/finalize/" + url.PathEscape(pkg) + "/" + url.PathEscape(uploadID)
}

func (s *service) archiveURL(pkg, versionID string) string {
	return s.baseURL + "/api/packages/" + url.PathEscape(pkg) + "/archive/" + url.PathEscape(archive.FileName(versionID))
}
