// Package identity resolves the authenticated account for incoming API
// requests. Credentials are bearer tokens of the form "<accountID>.<secret>";
// secrets are stored as PBKDF2 hashes, never in the clear.
package identity

import (
	"errors"
	"net/http"
	"strings"

	"imagevault/internal/models"
)

// ErrUnauthenticated is returned when a request carries no usable credential.
// The API layer reports it as 403 without distinguishing missing from invalid.
var ErrUnauthenticated = errors.New("unauthenticated")

// Provider resolves the account behind a request.
type Provider interface {
	Authenticate(r *http.Request) (models.User, error)
}

// BearerToken extracts the bearer credential from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
