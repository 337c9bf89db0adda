package pubspec

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// maxManifestSize bounds how much of a pubspec entry is read into memory.
const maxManifestSize = 1 << 20

// ReadFile calls f for each entry in a gzip-compressed tarball.
func ReadFile(r io.Reader, f func(*tar.Header, io.Reader) error) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := f(header, tr); err != nil {
			return err
		}
	}
	return nil
}

// errStop ends the tar walk once the manifest has been read.
var errStop = errors.New("stop")

// FromArchive locates pubspec.yaml at the root of a .tar.gz package archive
// and parses it.
func FromArchive(archive []byte) (*Manifest, error) {
	var doc []byte
	err := ReadFile(bytes.NewReader(archive), func(h *tar.Header, r io.Reader) error {
		if h.Typeflag != tar.TypeReg || !isRootManifest(h.Name) {
			return nil
		}
		if h.Size > maxManifestSize {
			return fmt.Errorf("%w: pubspec.yaml exceeds %d bytes", ErrInvalidPubspec, maxManifestSize)
		}
		data, err := io.ReadAll(io.LimitReader(r, maxManifestSize))
		if err != nil {
			return err
		}
		doc = data
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		if errors.Is(err, ErrInvalidPubspec) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: unreadable archive: %v", ErrInvalidPubspec, err)
	}
	if doc == nil {
		return nil, ErrMissingPubspec
	}
	return Parse(doc)
}

func isRootManifest(name string) bool {
	cleaned := path.Clean(strings.TrimPrefix(name, "./"))
	return cleaned == FileName
}
