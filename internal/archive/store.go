// Package archive stores package archive blobs on the local filesystem.
//
// Blobs live at <root>/<package>/<versionId>.tar.gz and are written once.
// Every lookup is confined to the package directory; names that would
// resolve elsewhere are reported as not found.
package archive

import (
	"context"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/stacklok/toolhive-pub-registry/internal/fsutil"
)

// Extension is appended to the version identifier to form the blob file name.
const Extension = ".tar.gz"

var (
	// ErrNotFound is returned when no blob exists for a package version
	ErrNotFound = errors.New("archive not found")
	// ErrExists is returned when writing a blob that is already stored
	ErrExists = errors.New("archive already exists")
	// ErrDigestMismatch is returned by Verify when stored bytes do not match the expected digest
	ErrDigestMismatch = errors.New("archive digest mismatch")
)

// Blob is an open archive. Callers must Close it.
type Blob struct {
	io.ReadSeekCloser
	Size int64
}

// Store is a filesystem archive store rooted at a repository directory.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the repository directory.
func (s *Store) Root() string {
	return s.root
}

// FileName returns the blob file name for a version identifier.
func FileName(versionID string) string {
	return versionID + Extension
}

func (s *Store) path(pkg, versionID string) (string, error) {
	if !fsutil.ValidElement(versionID) {
		return "", fmt.Errorf("%w: invalid version identifier %q", fsutil.ErrOutsideRoot, versionID)
	}
	return fsutil.Join(s.root, pkg, FileName(versionID))
}

// Write stores data as the blob for pkg/versionID. Existing blobs are never replaced.
func (s *Store) Write(ctx context.Context, pkg, versionID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := s.path(pkg, versionID)
	if err != nil {
		return err
	}
	dir, err := fsutil.Join(s.root, pkg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
		return fmt.Errorf("failed to create package directory: %w", err)
	}

	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrExists, pkg, versionID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := fsutil.WriteFileAtomic(target, data); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// Open returns the blob for pkg/versionID.
func (s *Store) Open(ctx context.Context, pkg, versionID string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := s.resolve(pkg, versionID)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- target is confined to the package directory by resolve
	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, ErrNotFound
	}
	return &Blob{ReadSeekCloser: f, Size: info.Size()}, nil
}

// Exists reports whether a blob is stored for pkg/versionID.
func (s *Store) Exists(ctx context.Context, pkg, versionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := s.resolve(pkg, versionID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Verify re-hashes the stored blob and compares it with the expected SHA-256 hex digest.
func (s *Store) Verify(ctx context.Context, pkg, versionID, sha256Hex string) error {
	expected := digest.NewDigestFromEncoded(digest.SHA256, sha256Hex)
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("invalid expected digest: %w", err)
	}

	blob, err := s.Open(ctx, pkg, versionID)
	if err != nil {
		return err
	}
	defer blob.Close()

	verifier := expected.Verifier()
	if _, err := io.Copy(verifier, blob); err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s/%s", ErrDigestMismatch, pkg, versionID)
	}
	return nil
}

// resolve maps pkg/versionID to a path and confirms it stays inside the
// package directory. Any name that fails the checks is reported as ErrNotFound.
func (s *Store) resolve(pkg, versionID string) (string, error) {
	target, err := s.path(pkg, versionID)
	if err != nil {
		return "", ErrNotFound
	}
	dir, err := fsutil.Join(s.root, pkg)
	if err != nil {
		return "", ErrNotFound
	}
	if err := fsutil.Contained(dir, target); err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, fsutil.ErrOutsideRoot) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve archive path: %w", err)
	}
	return target, nil
}
