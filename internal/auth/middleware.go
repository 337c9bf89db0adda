package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stacklok/toolhive-pub-registry/internal/api/common"
)

// Error codes carried in the JSON body of authentication failures.
const (
	CodeMissingToken              = "missing_token"
	CodeInvalidToken              = "invalid_token"
	CodeInsufficientAuthorization = "insufficient_authorization"
)

// Middleware rejects requests without a valid bearer token and stores the
// resolved token in the request context for downstream handlers.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := g.CheckAuthentication(r)
		if err != nil {
			slog.Warn("Authentication failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			g.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), tok)))
	})
}

// WriteDecision writes the response for a non-authorized decision. It is a
// no-op for Authorized.
func (g *Gate) WriteDecision(w http.ResponseWriter, d Decision) {
	if d.Outcome == Authorized {
		return
	}
	g.WriteError(w, d.Err)
}

// WriteError maps an authentication or authorization error to a response.
// Authentication failures get a 401 and authorization failures a 403; both
// carry a Bearer challenge.
func (g *Gate) WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientAuthorization):
		g.writeChallenge(w, http.StatusForbidden, CodeInsufficientAuthorization, err.Error())
	case errors.Is(err, ErrInvalidToken):
		g.writeChallenge(w, http.StatusUnauthorized, CodeInvalidToken,
			"Invalid token. Run `dart pub token add` to configure a valid token.")
	default:
		g.writeChallenge(w, http.StatusUnauthorized, CodeMissingToken,
			"Authentication required. Run `dart pub token add` to configure a token.")
	}
}

// writeChallenge writes a WWW-Authenticate header whose message the pub client
// shows to the user.
func (g *Gate) writeChallenge(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s", message="%s"`,
		sanitizeHeaderValue(g.realm), sanitizeHeaderValue(message)))
	common.WriteErrorResponse(w, code, message, status)
}

// sanitizeHeaderValue makes s safe for use inside a quoted-string header parameter.
func sanitizeHeaderValue(s string) string {
	if !strings.ContainsAny(s, "\r\n\"\\") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
