// Package pubspectest builds package archives for tests.
package pubspectest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// Archive returns a .tar.gz containing the given files. Entries are written
// in name order so the output is deterministic.
func Archive(t testing.TB, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar entry %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return buf.Bytes()
}

// Package returns an archive with a minimal pubspec.yaml for name and version
// plus a library file, so two calls with different extra content produce
// different bytes.
func Package(t testing.TB, name, version string, extra ...string) []byte {
	t.Helper()

	lib := fmt.Sprintf("library %s;\n", name)
	for _, e := range extra {
		lib += "// " + e + "\n"
	}
	files := map[string]string{
		"pubspec.yaml": fmt.Sprintf("name: %s\nversion: %s\ndescription: test package\n", name, version),
	}
	files[fmt.Sprintf("lib/%s.dart", name)] = lib
	return Archive(t, files)
}
