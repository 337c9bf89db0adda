package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-pub-registry/internal/archive"
	"github.com/stacklok/toolhive-pub-registry/internal/index"
	"github.com/stacklok/toolhive-pub-registry/internal/versions"
)

func TestPrintVersion(t *testing.T) {
	t.Parallel()

	info := versions.VersionInfo{
		Version:   "v1.2.3",
		Commit:    "abc123",
		BuildDate: "2025-01-01 00:00:00 UTC",
		GoVersion: "go1.25.2",
		Platform:  "linux/amd64",
	}

	var text bytes.Buffer
	require.NoError(t, printVersion(&text, "", info))
	assert.Contains(t, text.String(), "thv-pub-registry v1.2.3")
	assert.Contains(t, text.String(), "commit abc123")

	var js bytes.Buffer
	require.NoError(t, printVersion(&js, "json", info))
	var decoded versions.VersionInfo
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, info, decoded)

	assert.Error(t, printVersion(&bytes.Buffer{}, "xml", info))
}

func TestRootCommand(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "version", "packages", "tokens"} {
		assert.True(t, names[want], want)
	}
}

func TestCheckTokens(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ci-token-0123456789:
  owner: ci
  authorized_packages: ["retry", "http_client"]
admin-token-abcdef:
  owner: admin
  authorized_packages: ["*"]
`), 0o600))

	var out bytes.Buffer
	require.NoError(t, checkTokens(&out, path))

	s := out.String()
	assert.Contains(t, s, "ci-t****")
	assert.Contains(t, s, "admi****")
	assert.Contains(t, s, "retry, http_client")
	assert.Contains(t, s, "2 token(s) OK")
	assert.NotContains(t, s, "ci-token-0123456789")
	assert.NotContains(t, s, "admin-token-abcdef")
}

func TestCheckTokens_Invalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(path, []byte("super-secret-value:\n  owner: ci\n  authorized_packages: []\n"), 0o600))

	err := checkTokens(&bytes.Buffer{}, path)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "super-secret-value")
}

// seedRepository publishes versions of retry directly through the stores.
func seedRepository(t *testing.T, root string, versionList ...string) []index.Entry {
	t.Helper()
	ctx := context.Background()

	idx := index.NewStore(root)
	blobs := archive.NewStore(root)

	entries := make([]index.Entry, 0, len(versionList))
	for i, v := range versionList {
		data := []byte("archive " + v)
		sum := sha256.Sum256(data)
		e := index.Entry{
			ID:            "id" + v,
			Version:       v,
			ArchiveSHA256: hex.EncodeToString(sum[:]),
			Pubspec:       json.RawMessage(`{"name":"retry","version":"` + v + `"}`),
			Published:     time.Date(2025, 1, i+1, 0, 0, 0, 0, time.UTC),
		}
		require.NoError(t, blobs.Write(ctx, "retry", e.ID, data))
		require.NoError(t, idx.Append(ctx, "retry", e))
		entries = append(entries, e)
	}
	return entries
}

func TestListPackages(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	seedRepository(t, root, "1.0.0", "2.0.0", "1.5.0")

	var out bytes.Buffer
	require.NoError(t, listPackages(context.Background(), &out, root))

	s := out.String()
	assert.Contains(t, s, "retry")
	assert.Contains(t, s, "1.5.0")
	assert.Contains(t, s, "2.0.0")
	assert.Contains(t, s, "2025-01-03T00:00:00Z")
}

func TestListPackages_EmptyRepository(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, listPackages(context.Background(), &out, t.TempDir()))
}

func TestShowPackage(t *testing.T) {
	t.Parallel()

	t.Run("lists versions", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		entries := seedRepository(t, root, "1.0.0", "1.1.0")

		var out bytes.Buffer
		require.NoError(t, showPackage(context.Background(), &out, root, "retry", true))
		s := out.String()
		for _, e := range entries {
			assert.Contains(t, s, e.ID)
			assert.Contains(t, s, e.ArchiveSHA256[:12])
		}
		assert.Contains(t, s, "ok")
	})

	t.Run("verify reports tampered and missing archives", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		entries := seedRepository(t, root, "1.0.0", "1.1.0")

		tampered := filepath.Join(root, "retry", archive.FileName(entries[0].ID))
		require.NoError(t, os.Chmod(tampered, 0o600))
		require.NoError(t, os.WriteFile(tampered, []byte("tampered"), 0o600))
		require.NoError(t, os.Remove(filepath.Join(root, "retry", archive.FileName(entries[1].ID))))

		var out bytes.Buffer
		err := showPackage(context.Background(), &out, root, "retry", true)
		require.ErrorContains(t, err, "2 of 2 archives failed verification")
		assert.Contains(t, out.String(), "mismatch")
		assert.Contains(t, out.String(), "missing")
	})

	t.Run("unknown package", func(t *testing.T) {
		t.Parallel()

		err := showPackage(context.Background(), &bytes.Buffer{}, t.TempDir(), "nope", false)
		require.ErrorContains(t, err, `package "nope" not found`)
	})
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("baseURL: https://from-file.example.com\ntokensFile: t.yaml\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-file.example.com", cfg.BaseURL)

	t.Setenv("THV_PUB_BASE_URL", "https://from-env.example.com")
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.BaseURL)
}
