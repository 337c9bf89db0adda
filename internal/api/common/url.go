// Package common provides shared HTTP utility functions for API handlers.
package common

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-pub-registry/internal/pubspec"
)

// GetAndValidateURLParam extracts, decodes, and validates a URL parameter from the request.
// The decoded value must be non-empty and free of whitespace.
func GetAndValidateURLParam(r *http.Request, paramName string) (string, error) {
	encodedValue := chi.URLParam(r, paramName)

	decoded, err := url.PathUnescape(encodedValue)
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", paramName)
	}

	if strings.TrimSpace(decoded) == "" {
		return "", fmt.Errorf("%s cannot be empty", paramName)
	}

	if strings.ContainsAny(decoded, " \t\n\r") {
		return "", fmt.Errorf("%s cannot contain whitespace", paramName)
	}

	return decoded, nil
}

// GetPackageParam extracts a package name URL parameter. Only names that are
// safe to use as a single path segment are accepted.
func GetPackageParam(r *http.Request, paramName string) (string, error) {
	name, err := GetAndValidateURLParam(r, paramName)
	if err != nil {
		return "", err
	}
	if !pubspec.ValidPackageName(name) {
		return "", fmt.Errorf("%s %q is not a valid package name", paramName, name)
	}
	return name, nil
}
