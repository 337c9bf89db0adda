package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/stacklok/toolhive-pub-registry/internal/archive"
	"github.com/stacklok/toolhive-pub-registry/internal/auth"
	"github.com/stacklok/toolhive-pub-registry/internal/index"
	"github.com/stacklok/toolhive-pub-registry/internal/pubspec"
	"github.com/stacklok/toolhive-pub-registry/internal/pubspec/pubspectest"
	"github.com/stacklok/toolhive-pub-registry/internal/staging"
)

const testBaseURL = "https://pub.example.com"

type fixture struct {
	svc      Service
	root     string
	index    *index.Store
	archives *archive.Store
	staging  *staging.Store
	scoped   *auth.Token
	admin    *auth.Token
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	stagingOpts []staging.Option
	serviceOpts []Option
	index       func(*index.Store) IndexStore
}

func withStaging(opts ...staging.Option) fixtureOption {
	return func(c *fixtureConfig) { c.stagingOpts = append(c.stagingOpts, opts...) }
}

func withServiceOptions(opts ...Option) fixtureOption {
	return func(c *fixtureConfig) { c.serviceOpts = append(c.serviceOpts, opts...) }
}

func withIndex(wrap func(*index.Store) IndexStore) fixtureOption {
	return func(c *fixtureConfig) { c.index = wrap }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := &fixtureConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	root := t.TempDir()
	f := &fixture{
		root:     root,
		index:    index.NewStore(root),
		archives: archive.NewStore(root),
		staging:  staging.New(cfg.stagingOpts...),
		scoped:   auth.NewToken("scoped", "alice", "a"),
		admin:    auth.NewToken("admin", "ops", auth.Wildcard),
	}

	var idx IndexStore = f.index
	if cfg.index != nil {
		idx = cfg.index(f.index)
	}

	svc, err := New(testBaseURL+"/", idx, f.archives, f.staging, auth.NewGate(auth.NewStaticTokenStore()), cfg.serviceOpts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) publish(t *testing.T, tok *auth.Token, name, version string) *FinalizeResult {
	t.Helper()
	ctx := context.Background()

	staged, err := f.svc.UploadContent(ctx, tok, pubspectest.Package(t, name, version))
	require.NoError(t, err)
	res, err := f.svc.FinalizeUpload(ctx, tok, name, staged.UploadID)
	require.NoError(t, err)
	return res
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	idx := index.NewStore(root)
	blobs := archive.NewStore(root)
	stager := staging.New()
	gate := auth.NewGate(auth.NewStaticTokenStore())

	_, err := New("/relative", idx, blobs, stager, gate)
	require.Error(t, err)
	_, err = New("::bad", idx, blobs, stager, gate)
	require.Error(t, err)
	_, err = New(testBaseURL, nil, blobs, stager, gate)
	require.Error(t, err)
	_, err = New(testBaseURL, idx, blobs, stager, gate)
	require.NoError(t, err)
}

func TestRequestUploadURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	target, err := f.svc.RequestUploadURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://pub.example.com/api/upload/content", target.URL)
	assert.NotNil(t, target.Fields)
	assert.Empty(t, target.Fields)
}

func TestPublishRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	data := pubspectest.Package(t, "a", "1.0.0")

	staged, err := f.svc.UploadContent(ctx, f.scoped, data)
	require.NoError(t, err)
	assert.Equal(t, "a", staged.Package)
	assert.Equal(t, "1.0.0", staged.Version)
	assert.Equal(t, testBaseURL+"/api/upload/finalize/a/"+staged.UploadID, staged.FinalizeURL)

	res, err := f.svc.FinalizeUpload(ctx, f.scoped, "a", staged.UploadID)
	require.NoError(t, err)
	assert.Equal(t, digest.SHA256.FromBytes(data).Encoded(), res.ArchiveSHA256)

	meta, err := f.svc.GetPackageMetadata(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", meta.Name)
	require.Len(t, meta.Versions, 1)
	v := meta.Versions[0]
	assert.Equal(t, "1.0.0", v.Version)
	assert.Equal(t, res.ArchiveSHA256, v.ArchiveSHA256)
	assert.Equal(t, testBaseURL+"/api/packages/a/archive/"+res.VersionID+".tar.gz", v.ArchiveURL)
	assert.JSONEq(t, `{"name":"a","version":"1.0.0","description":"test package"}`, string(v.Pubspec))
	assert.Equal(t, v, meta.Latest)

	blob, err := f.svc.OpenArchive(ctx, "a", res.VersionID)
	require.NoError(t, err)
	defer blob.Close()
	got, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), blob.Size)
}

func TestUploadContent_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		tok     *auth.Token
		data    []byte
		wantErr error
	}{
		{
			name:    "no manifest",
			tok:     f.admin,
			data:    pubspectest.Archive(t, map[string]string{"README.md": "hi"}),
			wantErr: pubspec.ErrMissingPubspec,
		},
		{
			name:    "manifest without version",
			tok:     f.admin,
			data:    pubspectest.Archive(t, map[string]string{"pubspec.yaml": "name: a\n"}),
			wantErr: pubspec.ErrInvalidPubspec,
		},
		{
			name:    "not an archive",
			tok:     f.admin,
			data:    []byte("plain text"),
			wantErr: pubspec.ErrInvalidPubspec,
		},
		{
			name:    "token not scoped to package",
			tok:     f.scoped,
			data:    pubspectest.Package(t, "b", "1.0.0"),
			wantErr: auth.ErrInsufficientAuthorization,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := f.svc.UploadContent(ctx, tt.tok, tt.data)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthorizationScopes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// {"a"} can publish a but not b
	f.publish(t, f.scoped, "a", "1.0.0")
	_, err := f.svc.UploadContent(ctx, f.scoped, pubspectest.Package(t, "b", "1.0.0"))
	require.ErrorIs(t, err, auth.ErrInsufficientAuthorization)

	// {"*"} can publish both
	f.publish(t, f.admin, "a", "2.0.0")
	f.publish(t, f.admin, "b", "1.0.0")
}

func TestFinalizeUpload_RequiresAuthorizationBeforeConsuming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	staged, err := f.svc.UploadContent(ctx, f.admin, pubspectest.Package(t, "b", "1.0.0"))
	require.NoError(t, err)

	_, err = f.svc.FinalizeUpload(ctx, f.scoped, "b", staged.UploadID)
	require.ErrorIs(t, err, auth.ErrInsufficientAuthorization)

	// The upload is still there for an authorized caller.
	_, err = f.svc.FinalizeUpload(ctx, f.admin, "b", staged.UploadID)
	require.NoError(t, err)
}

func TestFinalizeUpload_DoubleFinalize(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	staged, err := f.svc.UploadContent(ctx, f.scoped, pubspectest.Package(t, "a", "1.0.0"))
	require.NoError(t, err)
	_, err = f.svc.FinalizeUpload(ctx, f.scoped, "a", staged.UploadID)
	require.NoError(t, err)

	_, err = f.svc.FinalizeUpload(ctx, f.scoped, "a", staged.UploadID)
	require.ErrorIs(t, err, ErrUploadNotFound)
}

func TestFinalizeUpload_UnknownUpload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.FinalizeUpload(context.Background(), f.scoped, "a", "no-such-upload")
	require.ErrorIs(t, err, ErrUploadNotFound)
}

func TestFinalizeUpload_Expired(t *testing.T) {
	t.Parallel()

	var offset atomic.Int64
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	f := newFixture(t, withStaging(staging.WithTTL(time.Minute), staging.WithClock(clock)))
	ctx := context.Background()

	staged, err := f.svc.UploadContent(ctx, f.scoped, pubspectest.Package(t, "a", "1.0.0"))
	require.NoError(t, err)

	offset.Store(int64(61 * time.Second))
	_, err = f.svc.FinalizeUpload(ctx, f.scoped, "a", staged.UploadID)
	require.ErrorIs(t, err, ErrUploadNotFound)

	_, err = f.svc.GetPackageMetadata(ctx, "a")
	require.ErrorIs(t, err, ErrPackageNotFound)
}

func TestFinalizeUpload_PackageMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	staged, err := f.svc.UploadContent(ctx, f.admin, pubspectest.Package(t, "a", "1.0.0"))
	require.NoError(t, err)

	_, err = f.svc.FinalizeUpload(ctx, f.admin, "b", staged.UploadID)
	require.ErrorIs(t, err, ErrPackageMismatch)

	_, err = f.svc.GetPackageMetadata(ctx, "b")
	require.ErrorIs(t, err, ErrPackageNotFound)
}

func TestFinalizeUpload_DuplicateVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first := f.publish(t, f.scoped, "a", "1.0.0")

	staged, err := f.svc.UploadContent(ctx, f.scoped, pubspectest.Package(t, "a", "1.0.0", "different bytes"))
	require.NoError(t, err)
	_, err = f.svc.FinalizeUpload(ctx, f.scoped, "a", staged.UploadID)
	require.ErrorIs(t, err, ErrDuplicateVersion)

	meta, err := f.svc.GetPackageMetadata(ctx, "a")
	require.NoError(t, err)
	require.Len(t, meta.Versions, 1)
	assert.Equal(t, first.ArchiveSHA256, meta.Versions[0].ArchiveSHA256)

	entries, err := os.ReadDir(filepath.Join(f.root, "a"))
	require.NoError(t, err)
	var blobs int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".gz" {
			blobs++
		}
	}
	assert.Equal(t, 1, blobs, "a rejected duplicate must not leave a blob behind")
}

func TestLatestIsLastPublished(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, v := range []string{"1.0.0", "3.0.0", "2.0.0"} {
		f.publish(t, f.scoped, "a", v)
	}

	meta, err := f.svc.GetPackageMetadata(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", meta.Latest.Version)
	require.Len(t, meta.Versions, 3)
	assert.Equal(t, "1.0.0", meta.Versions[0].Version)
	assert.Equal(t, "3.0.0", meta.Versions[1].Version)
	assert.Equal(t, "2.0.0", meta.Versions[2].Version)
}

func TestConcurrentFinalizeSameUpload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	staged, err := f.svc.UploadContent(ctx, f.scoped, pubspectest.Package(t, "a", "1.0.0"))
	require.NoError(t, err)

	const workers = 16
	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		notFound atomic.Int32
		start    = make(chan struct{})
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.FinalizeUpload(ctx, f.scoped, "a", staged.UploadID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrUploadNotFound):
				notFound.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(workers-1), notFound.Load())

	meta, err := f.svc.GetPackageMetadata(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, meta.Versions, 1)
}

func TestConcurrentPublishDistinctVersions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	const n = 12
	archives := make([][]byte, n)
	for i := range n {
		archives[i] = pubspectest.Package(t, "a", fmt.Sprintf("1.0.%d", i))
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			staged, err := f.svc.UploadContent(ctx, f.scoped, archives[i])
			if !assert.NoError(t, err) {
				return
			}
			_, err = f.svc.FinalizeUpload(ctx, f.scoped, "a", staged.UploadID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	meta, err := f.svc.GetPackageMetadata(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, meta.Versions, n)
}

func TestOpenArchive_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res := f.publish(t, f.scoped, "a", "1.0.0")

	tests := []struct {
		name      string
		pkg       string
		versionID string
		wantErr   error
	}{
		{name: "unknown version id", pkg: "a", versionID: "00000000-0000-4000-8000-000000000000", wantErr: ErrVersionNotFound},
		{name: "traversal", pkg: "a", versionID: "../../../../etc/passwd", wantErr: ErrVersionNotFound},
		{name: "dot dot", pkg: "a", versionID: "..", wantErr: ErrVersionNotFound},
		{name: "unknown package", pkg: "zzz", versionID: res.VersionID, wantErr: ErrPackageNotFound},
		{name: "package traversal", pkg: "..", versionID: res.VersionID, wantErr: ErrPackageNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := f.svc.OpenArchive(ctx, tt.pkg, tt.versionID)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOpenArchive_MissingBlob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := f.publish(t, f.scoped, "a", "1.0.0")
	require.NoError(t, os.Remove(filepath.Join(f.root, "a", archive.FileName(res.VersionID))))

	_, err := f.svc.OpenArchive(context.Background(), "a", res.VersionID)
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestGetPackageMetadata_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, name := range []string{"missing", "..", "a/b", ""} {
		_, err := f.svc.GetPackageMetadata(context.Background(), name)
		require.ErrorIs(t, err, ErrPackageNotFound, name)
	}
}

// crashingIndex runs the update callback but fails before persisting,
// standing in for a crash between the archive write and the index save.
type crashingIndex struct {
	*index.Store
}

func (c crashingIndex) Update(ctx context.Context, name string, fn index.UpdateFunc) (*index.Index, error) {
	idx, err := c.Load(ctx, name, true)
	if err != nil {
		return nil, err
	}
	if _, err := fn(idx); err != nil {
		return nil, err
	}
	return nil, errors.New("simulated crash before index save")
}

func TestFinalizeUpload_CrashLeavesUnreferencedBlob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, withIndex(func(s *index.Store) IndexStore { return crashingIndex{s} }))
	ctx := context.Background()

	staged, err := f.svc.UploadContent(ctx, f.scoped, pubspectest.Package(t, "a", "1.0.0"))
	require.NoError(t, err)
	_, err = f.svc.FinalizeUpload(ctx, f.scoped, "a", staged.UploadID)
	require.Error(t, err)

	// The blob is on disk but nothing references it, so clients never see it.
	matches, err := filepath.Glob(filepath.Join(f.root, "a", "*"+archive.Extension))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, err = f.svc.GetPackageMetadata(ctx, "a")
	require.ErrorIs(t, err, ErrPackageNotFound)
}

func TestFinalizeUpload_Traced(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, withServiceOptions(WithTracer(tp.Tracer(ServiceTracerName))))
	f.publish(t, f.scoped, "a", "1.0.0")

	names := map[string]bool{}
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	assert.True(t, names["registry.UploadContent"])
	assert.True(t, names["registry.FinalizeUpload"])
}

func TestCheckReadiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.Error(t, f.svc.CheckReadiness(context.Background()), "staging sweeper not started")

	go f.staging.Start()
	t.Cleanup(f.staging.Stop)
	require.Eventually(t, f.staging.Running, time.Second, time.Millisecond)

	require.NoError(t, f.svc.CheckReadiness(context.Background()))
}
