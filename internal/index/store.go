package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/toolhive-pub-registry/internal/fsutil"
	"github.com/stacklok/toolhive-pub-registry/internal/pubspec"
)

const (
	// FileName is the name of the index file inside a package directory
	FileName = "index.json"
	// LockFileName is the advisory lock guarding index updates
	LockFileName = ".index.lock"

	lockRetryDelay = 10 * time.Millisecond
)

var (
	// ErrNotFound is returned when a package has no index
	ErrNotFound = errors.New("package index not found")
	// ErrDuplicateVersion is returned when appending a version already in the index
	ErrDuplicateVersion = errors.New("version already exists")
	// ErrInvalidName is returned for package names that cannot be stored
	ErrInvalidName = errors.New("invalid package name")
)

// Store reads and writes package indexes under a repository directory and
// caches them in memory. Writers to the same package are serialized across
// goroutines and, through a lock file, across processes.
type Store struct {
	root string

	mu    sync.RWMutex
	cache map[string]*Index
	group singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		cache: make(map[string]*Index),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) indexPath(name string) (string, error) {
	if !pubspec.ValidPackageName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return fsutil.Join(s.root, name, FileName)
}

// Load returns the index of the named package. When the package has no index
// and allowEmpty is set, an empty index is returned instead of ErrNotFound.
// The returned index is a copy owned by the caller.
func (s *Store) Load(ctx context.Context, name string, allowEmpty bool) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx, err := s.cached(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) && allowEmpty {
			return &Index{Name: name, Versions: []Entry{}}, nil
		}
		return nil, err
	}
	return idx.Clone(), nil
}

// cached returns the cached index, loading it from disk on a miss.
// Concurrent misses for the same package share one read.
func (s *Store) cached(name string) (*Index, error) {
	s.mu.RLock()
	idx, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return idx, nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		idx, err := s.read(name)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		// A save that completed while we were reading wins.
		if current, ok := s.cache[name]; ok {
			return current, nil
		}
		s.cache[name] = idx
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// read loads an index from disk, bypassing the cache.
func (s *Store) read(name string) (*Index, error) {
	path, err := s.indexPath(name)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // path is built from a validated package name
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index %s: %w", name, err)
	}
	if idx.Name == "" {
		idx.Name = name
	}
	if idx.Versions == nil {
		idx.Versions = []Entry{}
	}
	return &idx, nil
}

// Save overwrites the index of the named package and replaces the cached copy.
// Callers that read-modify-write must use Update instead.
func (s *Store) Save(ctx context.Context, name string, idx *Index) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.indexPath(name)
	if err != nil {
		return err
	}
	dir, err := fsutil.Join(s.root, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
		return fmt.Errorf("failed to create package directory: %w", err)
	}

	stored := idx.Clone()
	stored.Name = name
	if stored.Versions == nil {
		stored.Versions = []Entry{}
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write index %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = stored
	s.mu.Unlock()
	return nil
}

// UpdateFunc mutates idx in place. It reports whether idx changed; an
// unchanged index is not written.
type UpdateFunc func(idx *Index) (changed bool, err error)

// Update runs fn on the current index of the named package while holding the
// package's write lock, then persists the result. The index passed to fn is
// read from disk so changes made by other processes are observed. A package
// without an index starts from an empty one.
func (s *Store) Update(ctx context.Context, name string, fn UpdateFunc) (*Index, error) {
	if _, err := s.indexPath(name); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := s.read(name)
	if errors.Is(err, ErrNotFound) {
		idx = &Index{Name: name, Versions: []Entry{}}
	} else if err != nil {
		return nil, err
	}

	changed, err := fn(idx)
	if err != nil {
		return nil, err
	}
	if !changed {
		return idx, nil
	}
	// Once fn has changed the index the write is no longer cancelable.
	if err := s.Save(context.WithoutCancel(ctx), name, idx); err != nil {
		return nil, err
	}
	return idx.Clone(), nil
}

// Append adds entry to the end of the named package's index.
func (s *Store) Append(ctx context.Context, name string, entry Entry) error {
	_, err := s.Update(ctx, name, func(idx *Index) (bool, error) {
		if _, exists := idx.Find(entry.Version); exists {
			return false, fmt.Errorf("%w: %s %s", ErrDuplicateVersion, name, entry.Version)
		}
		idx.Versions = append(idx.Versions, entry)
		return true, nil
	})
	return err
}

// List returns the names of all packages with an index, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read repository directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !pubspec.ValidPackageName(e.Name()) {
			continue
		}
		path, err := s.indexPath(e.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// lock acquires the in-process and on-disk write locks for a package.
func (s *Store) lock(ctx context.Context, name string) (func(), error) {
	s.locksMu.Lock()
	m, ok := s.locks[name]
	if !ok {
		m = &sync.Mutex{}
		s.locks[name] = m
	}
	s.locksMu.Unlock()

	m.Lock()

	dir, err := fsutil.Join(s.root, name)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	if err := os.MkdirAll(dir, fsutil.DirPerm); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("failed to create package directory: %w", err)
	}

	fl := flock.New(filepath.Join(dir, LockFileName), flock.SetPermissions(fsutil.FilePerm))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		m.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to lock index %s: %w", name, err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("Failed to release index lock", "package", name, "error", err)
		}
		m.Unlock()
	}, nil
}
