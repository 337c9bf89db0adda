// Package staging holds uploaded package archives between upload and
// finalize. Entries expire after a fixed TTL and can be taken exactly once.
package staging

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/stacklok/toolhive-pub-registry/internal/pubspec"
	"github.com/stacklok/toolhive-pub-registry/internal/telemetry"
)

// DefaultTTL is how long a staged upload waits for finalize.
const DefaultTTL = time.Minute

// ErrNotFound is returned by Take for unknown, expired or already taken uploads.
var ErrNotFound = errors.New("staged upload not found")

// Upload is an archive waiting to be finalized.
type Upload struct {
	ID        string
	Manifest  *pubspec.Manifest
	Archive   []byte
	ExpiresAt time.Time
}

// Store keeps staged uploads in memory.
type Store struct {
	cache   *ttlcache.Cache[string, *Upload]
	ttl     time.Duration
	now     func() time.Time
	metrics *telemetry.PublishMetrics
	running atomic.Bool
}

// Option configures a Store
type Option func(*Store)

// WithTTL overrides DefaultTTL
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMetrics records expirations on m
func WithMetrics(m *telemetry.PublishMetrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithClock replaces the clock used for deadline checks
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty Store. Call Start to run the background sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cache = ttlcache.New[string, *Upload](
		ttlcache.WithTTL[string, *Upload](s.ttl),
		ttlcache.WithDisableTouchOnHit[string, *Upload](),
	)
	s.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Upload]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		u := item.Value()
		slog.Debug("Staged upload expired",
			"upload_id", u.ID,
			"package", u.Manifest.Name,
			"version", u.Manifest.Version,
		)
		s.metrics.RecordUploadExpired(ctx)
	})
	return s
}

// Stage stores archive together with its parsed manifest and returns a new upload id.
func (s *Store) Stage(manifest *pubspec.Manifest, archive []byte) (*Upload, error) {
	if manifest == nil {
		return nil, errors.New("manifest is required")
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	u := &Upload{
		ID:        id.String(),
		Manifest:  manifest,
		Archive:   archive,
		ExpiresAt: s.now().Add(s.ttl),
	}
	s.cache.Set(u.ID, u, ttlcache.DefaultTTL)
	return u, nil
}

// Take removes and returns the upload with the given id. Concurrent callers
// with the same id see at most one success.
func (s *Store) Take(id string) (*Upload, error) {
	item, ok := s.cache.GetAndDelete(id)
	if !ok || item == nil {
		return nil, ErrNotFound
	}
	u := item.Value()
	if !s.now().Before(u.ExpiresAt) {
		return nil, ErrNotFound
	}
	return u, nil
}

// Len returns the number of uploads currently staged.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Start runs the expiry sweeper until Stop is called. It blocks, so run it in
// its own goroutine. Calling Start on a running store is a no-op.
func (s *Store) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.cache.Start()
}

// Stop halts the expiry sweeper. It is safe to call on a store that was never started.
func (s *Store) Stop() {
	if s.running.CompareAndSwap(true, false) {
		s.cache.Stop()
	}
}

// Running reports whether the expiry sweeper is active.
func (s *Store) Running() bool {
	return s.running.Load()
}
