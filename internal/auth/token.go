// Package auth provides bearer-token authentication and package-scoped
// authorization for the registry API server.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-pub-registry/internal/pubspec"
)

// Wildcard authorizes a token for every package.
const Wildcard = "*"

// Token is a provisioned bearer token. Tokens are immutable once loaded.
type Token struct {
	secret             string
	Owner              string
	AuthorizedPackages []string
}

// NewToken returns a token for the given secret, owner and package scope.
func NewToken(secret, owner string, packages ...string) *Token {
	return &Token{
		secret:             secret,
		Owner:              owner,
		AuthorizedPackages: slices.Clone(packages),
	}
}

// AuthorizedFor reports whether the token covers the named package.
func (t *Token) AuthorizedFor(pkg string) bool {
	if t == nil {
		return false
	}
	for _, p := range t.AuthorizedPackages {
		if p == Wildcard || p == pkg {
			return true
		}
	}
	return false
}

// MaskedSecret returns the first characters of the secret followed by a mask,
// suitable for logs and admin output.
func (t *Token) MaskedSecret() string {
	const visible = 4
	if len(t.secret) <= visible {
		return "****"
	}
	return t.secret[:visible] + "****"
}

// TokenStore looks up tokens by their secret.
type TokenStore interface {
	Lookup(secret string) (*Token, bool)
}

// StaticTokenStore is an in-memory TokenStore populated once at startup.
type StaticTokenStore struct {
	tokens map[string]*Token
}

var _ TokenStore = (*StaticTokenStore)(nil)

// NewStaticTokenStore indexes the given tokens by secret.
func NewStaticTokenStore(tokens ...*Token) *StaticTokenStore {
	s := &StaticTokenStore{tokens: make(map[string]*Token, len(tokens))}
	for _, t := range tokens {
		s.tokens[t.secret] = t
	}
	return s
}

// Lookup returns the token with exactly the given secret.
func (s *StaticTokenStore) Lookup(secret string) (*Token, bool) {
	t, ok := s.tokens[secret]
	return t, ok
}

// Tokens returns all tokens ordered by owner, then masked secret.
func (s *StaticTokenStore) Tokens() []*Token {
	out := make([]*Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].secret < out[j].secret
	})
	return out
}

// tokenRecord is the on-disk representation of a single token.
type tokenRecord struct {
	Owner              string   `json:"owner" yaml:"owner"`
	AuthorizedPackages []string `json:"authorized_packages" yaml:"authorized_packages"`
}

// LoadTokenFile reads a token file mapping secrets to owners and package
// scopes. Files ending in .yaml or .yml are parsed as YAML; .json, .jsonc and
// .hujson files are parsed as JSON and may contain comments and trailing commas.
func LoadTokenFile(path string) (*StaticTokenStore, error) {
	if path == "" {
		return nil, errors.New("token file path is required")
	}

	// #nosec G304 -- the token file location is operator-provided configuration
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	records := map[string]tokenRecord{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse YAML token file: %w", err)
		}
	case ".json", ".jsonc", ".hujson":
		standard, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON token file: %w", err)
		}
		if err := json.Unmarshal(standard, &records); err != nil {
			return nil, fmt.Errorf("failed to parse JSON token file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported token file extension %q", ext)
	}

	tokens := make([]*Token, 0, len(records))
	for secret, rec := range records {
		if err := validateRecord(secret, rec); err != nil {
			return nil, err
		}
		tokens = append(tokens, NewToken(secret, rec.Owner, rec.AuthorizedPackages...))
	}
	return NewStaticTokenStore(tokens...), nil
}

func validateRecord(secret string, rec tokenRecord) error {
	if strings.TrimSpace(secret) == "" {
		return errors.New("token secret cannot be blank")
	}
	masked := NewToken(secret, rec.Owner).MaskedSecret()
	if strings.TrimSpace(rec.Owner) == "" {
		return fmt.Errorf("token %s: owner is required", masked)
	}
	if len(rec.AuthorizedPackages) == 0 {
		return fmt.Errorf("token %s: authorized_packages must not be empty", masked)
	}
	for _, p := range rec.AuthorizedPackages {
		if p != Wildcard && !pubspec.ValidPackageName(p) {
			return fmt.Errorf("token %s: invalid package name %q", masked, p)
		}
	}
	return nil
}
