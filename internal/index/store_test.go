package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(version string) Entry {
	return Entry{
		ID:            "id-" + version,
		Version:       version,
		ArchiveSHA256: strings.Repeat("a", 64),
		Pubspec:       json.RawMessage(fmt.Sprintf(`{"name":"retry","version":%q}`, version)),
		Published:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())

	_, err := s.Load(context.Background(), "retry", false)
	require.ErrorIs(t, err, ErrNotFound)

	idx, err := s.Load(context.Background(), "retry", true)
	require.NoError(t, err)
	assert.Equal(t, "retry", idx.Name)
	assert.Empty(t, idx.Versions)

	// allowEmpty must not create anything on disk
	_, err = os.Stat(filepath.Join(s.root, "retry"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStore_InvalidName(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir())
	for _, name := range []string{"..", "../etc", "a/b", ""} {
		_, err := s.Load(context.Background(), name, true)
		require.ErrorIs(t, err, ErrInvalidName, name)
		require.ErrorIs(t, s.Append(context.Background(), name, entry("1.0.0")), ErrInvalidName, name)
	}
}

func TestStore_AppendAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())

	require.NoError(t, s.Append(ctx, "retry", entry("1.0.0")))
	require.NoError(t, s.Append(ctx, "retry", entry("1.1.0")))

	idx, err := s.Load(ctx, "retry", false)
	require.NoError(t, err)
	require.Len(t, idx.Versions, 2)
	assert.Equal(t, "1.0.0", idx.Versions[0].Version)
	assert.Equal(t, "1.1.0", idx.Versions[1].Version)

	// A fresh store reads the same state from disk.
	fresh := NewStore(s.root)
	idx, err = fresh.Load(ctx, "retry", false)
	require.NoError(t, err)
	require.Len(t, idx.Versions, 2)
	assert.JSONEq(t, `{"name":"retry","version":"1.1.0"}`, string(idx.Versions[1].Pubspec))
}

func TestStore_OnDiskFormat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())
	require.NoError(t, s.Append(ctx, "retry", entry("1.0.0")))

	data, err := os.ReadFile(filepath.Join(s.root, "retry", FileName))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"name\": \"retry\",\n  \"versions\": ["))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	versions := raw["versions"].([]any)
	first := versions[0].(map[string]any)
	assert.Equal(t, "id-1.0.0", first["id"])
	assert.Equal(t, strings.Repeat("a", 64), first["archive_sha256"])
	assert.Equal(t, "2025-03-01T12:00:00Z", first["published"])
}

func TestStore_DuplicateVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())

	require.NoError(t, s.Append(ctx, "retry", entry("1.0.0")))
	dup := entry("1.0.0")
	dup.ID = "other"
	require.ErrorIs(t, s.Append(ctx, "retry", dup), ErrDuplicateVersion)

	idx, err := s.Load(ctx, "retry", false)
	require.NoError(t, err)
	require.Len(t, idx.Versions, 1)
	assert.Equal(t, "id-1.0.0", idx.Versions[0].ID)
}

func TestStore_LatestIsLastAppended(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())
	for _, v := range []string{"1.0.0", "3.0.0", "2.0.0"} {
		require.NoError(t, s.Append(ctx, "retry", entry(v)))
	}

	idx, err := s.Load(ctx, "retry", false)
	require.NoError(t, err)
	latest, ok := idx.Latest()
	require.True(t, ok)
	assert.Equal(t, "2.0.0", latest.Version)
}

func TestStore_LoadReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())
	require.NoError(t, s.Append(ctx, "retry", entry("1.0.0")))

	first, err := s.Load(ctx, "retry", false)
	require.NoError(t, err)
	first.Versions[0].Version = "mutated"
	first.Versions[0].Pubspec[0] = 'X'
	first.Versions = append(first.Versions, entry("9.9.9"))

	second, err := s.Load(ctx, "retry", false)
	require.NoError(t, err)
	require.Len(t, second.Versions, 1)
	assert.Equal(t, "1.0.0", second.Versions[0].Version)
	assert.True(t, json.Valid(second.Versions[0].Pubspec))
}

func TestStore_UpdateWithoutChangeDoesNotWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())

	_, err := s.Update(ctx, "retry", func(*Index) (bool, error) { return false, nil })
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(s.root, "retry", FileName))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStore_UpdateErrorAbortsWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())
	require.NoError(t, s.Append(ctx, "retry", entry("1.0.0")))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "retry", func(idx *Index) (bool, error) {
		idx.Versions = append(idx.Versions, entry("2.0.0"))
		return true, boom
	})
	require.ErrorIs(t, err, boom)

	idx, err := s.Load(ctx, "retry", false)
	require.NoError(t, err)
	assert.Len(t, idx.Versions, 1)
}

func TestStore_ConcurrentAppendsLoseNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Append(ctx, "retry", entry(fmt.Sprintf("1.0.%d", i)))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	idx, err := NewStore(s.root).Load(ctx, "retry", false)
	require.NoError(t, err)
	assert.Len(t, idx.Versions, n)
}

func TestStore_ConcurrentDuplicateAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Append(ctx, "retry", entry("1.0.0"))
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateVersion):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dup)
}

func TestStore_SeparateStoresShareLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	a := NewStore(root)
	b := NewStore(root)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Append(ctx, "retry", entry(fmt.Sprintf("1.%d.0", i))))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Append(ctx, "retry", entry(fmt.Sprintf("2.%d.0", i))))
		}()
	}
	wg.Wait()

	idx, err := NewStore(root).Load(ctx, "retry", false)
	require.NoError(t, err)
	assert.Len(t, idx.Versions, 20)
}

func TestStore_ConcurrentLoads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, NewStore(root).Append(ctx, "retry", entry("1.0.0")))

	s := NewStore(root)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := s.Load(ctx, "retry", false)
			assert.NoError(t, err)
			assert.Len(t, idx.Versions, 1)
		}()
	}
	wg.Wait()
}

func TestStore_List(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, s.Append(ctx, "zeta", entry("1.0.0")))
	require.NoError(t, s.Append(ctx, "alpha", entry("1.0.0")))
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "empty_dir"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "not-valid"), 0o750))

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestStore_ListMissingRoot(t *testing.T) {
	t.Parallel()

	names, err := NewStore(filepath.Join(t.TempDir(), "absent")).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStore_CorruptIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Join(s.root, "retry"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(s.root, "retry", FileName), []byte("{"), 0o600))

	_, err := s.Load(ctx, "retry", true)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStore_UpdateCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStore(t.TempDir()).Update(ctx, "retry", func(*Index) (bool, error) { return true, nil })
	require.ErrorIs(t, err, context.Canceled)
}
