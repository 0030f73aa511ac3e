package api

import (
	"context"
	"fmt"
	"net/http"

	"imagevault/internal/models"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// requireAuthenticatedUser resolves the caller placed in the request context
// by the auth middleware. Unauthenticated requests are rejected with 403; the
// API does not hand out 401 challenges.
func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusForbidden, fmt.Errorf("authentication required"))
		return models.User{}, false
	}
	return user, true
}
