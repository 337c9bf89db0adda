// Package pubspec parses package manifests (pubspec.yaml) and extracts them
// from uploaded package archives.
package pubspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// FileName is the manifest file name expected at the root of an archive.
const FileName = "pubspec.yaml"

const maxPackageNameLength = 64

var (
	// ErrMissingPubspec is returned when an archive does not contain a manifest
	ErrMissingPubspec = errors.New("archive does not contain pubspec.yaml")
	// ErrInvalidPubspec is returned when the manifest cannot be parsed or lacks required fields
	ErrInvalidPubspec = errors.New("invalid pubspec")
)

var packageNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Manifest is the typed view of a pubspec document.
type Manifest struct {
	Name    string
	Version string

	// Document is the manifest as received, re-encoded as JSON.
	Document json.RawMessage
}

// ValidPackageName reports whether name can be used as a package name.
// Names that fail this check are never used to build filesystem paths.
func ValidPackageName(name string) bool {
	if name == "" || len(name) > maxPackageNameLength {
		return false
	}
	return packageNamePattern.MatchString(name)
}

// Parse decodes a pubspec document and validates its name and version.
func Parse(doc []byte) (*Manifest, error) {
	var raw any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubspec, err)
	}

	fields, ok := normalize(raw).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: document is not a mapping", ErrInvalidPubspec)
	}

	name, _ := fields["name"].(string)
	name = strings.TrimSpace(name)
	if !ValidPackageName(name) {
		return nil, fmt.Errorf("%w: invalid package name %q", ErrInvalidPubspec, name)
	}

	version, err := versionString(fields["version"])
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubspec, err)
	}

	return &Manifest{
		Name:     name,
		Version:  version,
		Document: encoded,
	}, nil
}

func versionString(v any) (string, error) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: version is required", ErrInvalidPubspec)
	}
	s = strings.TrimSpace(s)
	if _, err := semver.StrictNewVersion(s); err != nil {
		return "", fmt.Errorf("%w: version %q is not a semantic version: %v", ErrInvalidPubspec, s, err)
	}
	return s, nil
}

// normalize converts YAML-decoded values into JSON-encodable ones. Mapping
// keys that are not strings are formatted with %v.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
