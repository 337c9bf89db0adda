// Package registry implements the pub repository publish and download flows
// on top of the staging, index and archive stores.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stacklok/toolhive-pub-registry/internal/archive"
	"github.com/stacklok/toolhive-pub-registry/internal/auth"
)

var (
	// ErrPackageNotFound is returned when a package has no published versions
	ErrPackageNotFound = errors.New("package not found")
	// ErrVersionNotFound is returned when a version identifier is unknown or its archive is missing
	ErrVersionNotFound = errors.New("version not found")
	// ErrUploadNotFound is returned when an upload id is unknown, expired or already finalized
	ErrUploadNotFound = errors.New("upload not found")
	// ErrDuplicateVersion is returned when finalizing a version that is already published
	ErrDuplicateVersion = errors.New("version already exists")
	// ErrPackageMismatch is returned when the finalize path names a different package than the upload
	ErrPackageMismatch = errors.New("package does not match upload")
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go Service

// Service defines the operations behind the repository HTTP API
type Service interface {
	// RequestUploadURL returns where the client should send the archive
	RequestUploadURL(ctx context.Context) (*UploadTarget, error)

	// UploadContent validates and stages an archive for the token's package
	UploadContent(ctx context.Context, tok *auth.Token, data []byte) (*StagedUpload, error)

	// FinalizeUpload publishes a staged upload as a new version of pkg
	FinalizeUpload(ctx context.Context, tok *auth.Token, pkg, uploadID string) (*FinalizeResult, error)

	// GetPackageMetadata returns every published version of pkg
	GetPackageMetadata(ctx context.Context, pkg string) (*PackageMetadata, error)

	// OpenArchive returns the archive of a published version
	OpenArchive(ctx context.Context, pkg, versionID string) (*archive.Blob, error)

	// CheckReadiness reports whether the service can accept requests
	CheckReadiness(ctx context.Context) error
}

// UploadTarget tells a client where to upload an archive
type UploadTarget struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// StagedUpload describes an archive waiting to be finalized
type StagedUpload struct {
	UploadID    string
	Package     string
	Version     string
	FinalizeURL string
}

// FinalizeResult describes a newly published version
type FinalizeResult struct {
	Package       string
	Version       string
	VersionID     string
	ArchiveSHA256 string
}

// VersionInfo is one version in a package metadata response
type VersionInfo struct {
	Version       string          `json:"version"`
	Pubspec       json.RawMessage `json:"pubspec"`
	ArchiveURL    string          `json:"archive_url"`
	ArchiveSHA256 string          `json:"archive_sha256"`
	Published     time.Time       `json:"published"`
}

// PackageMetadata lists the versions of a package. Latest is the most
// recently published version, not the highest one.
type PackageMetadata struct {
	Name     string        `json:"name"`
	Latest   VersionInfo   `json:"latest"`
	Versions []VersionInfo `json:"versions"`
}
