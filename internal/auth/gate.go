package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when the bearer token matches no provisioned token
	ErrInvalidToken = errors.New("invalid bearer token")
	// ErrInsufficientAuthorization is returned when a token does not cover a package
	ErrInsufficientAuthorization = errors.New("insufficient authorization")
)

// Outcome classifies the result of an authorization decision.
type Outcome int

const (
	// Authorized means the request may proceed
	Authorized Outcome = iota
	// Unauthenticated means no valid token was presented
	Unauthenticated
	// Forbidden means the token is valid but does not cover the package
	Forbidden
)

// String implements fmt.Stringer
func (o Outcome) String() string {
	switch o {
	case Authorized:
		return "authorized"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the result of Gate.Decide. Token is set when authentication
// succeeded; Err is set for every outcome other than Authorized.
type Decision struct {
	Outcome Outcome
	Token   *Token
	Err     error
}

// Authorizer checks package-scoped authorization for an authenticated token.
type Authorizer interface {
	CheckAuthorization(tok *Token, pkg string) error
}

// Gate validates bearer tokens against a TokenStore.
type Gate struct {
	store TokenStore
	realm string
}

var _ Authorizer = (*Gate)(nil)

// defaultRealm is the protection space advertised in challenges
const defaultRealm = "pub"

// GateOption configures a Gate
type GateOption func(*Gate)

// WithRealm overrides the realm advertised in WWW-Authenticate challenges
func WithRealm(realm string) GateOption {
	return func(g *Gate) {
		if realm != "" {
			g.realm = realm
		}
	}
}

// NewGate creates a Gate backed by store.
func NewGate(store TokenStore, opts ...GateOption) *Gate {
	g := &Gate{
		store: store,
		realm: defaultRealm,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAuthentication extracts the bearer token from r and resolves it.
func (g *Gate) CheckAuthentication(r *http.Request) (*Token, error) {
	secret, ok := extractBearerToken(r)
	if !ok {
		return nil, ErrMissingToken
	}
	tok, found := g.store.Lookup(secret)
	if !found {
		return nil, ErrInvalidToken
	}
	return tok, nil
}

// CheckAuthorization fails unless tok covers pkg.
func (*Gate) CheckAuthorization(tok *Token, pkg string) error {
	if !tok.AuthorizedFor(pkg) {
		return fmt.Errorf("%w: token is not authorized for package %q", ErrInsufficientAuthorization, pkg)
	}
	return nil
}

// Decide runs authentication and, when pkg is non-empty, package authorization.
func (g *Gate) Decide(r *http.Request, pkg string) Decision {
	tok, err := g.CheckAuthentication(r)
	if err != nil {
		return Decision{Outcome: Unauthenticated, Err: err}
	}
	if pkg != "" {
		if err := g.CheckAuthorization(tok, pkg); err != nil {
			return Decision{Outcome: Forbidden, Token: tok, Err: err}
		}
	}
	return Decision{Outcome: Authorized, Token: tok}
}

// extractBearerToken returns the token from an "Authorization: Bearer <token>" header.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

type tokenContextKey struct{}

// WithToken returns a copy of ctx carrying tok.
func WithToken(ctx context.Context, tok *Token) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, tok)
}

// TokenFromContext returns the token stored by the authentication middleware.
func TokenFromContext(ctx context.Context) (*Token, bool) {
	tok, ok := ctx.Value(tokenContextKey{}).(*Token)
	return tok, ok && tok != nil
}
