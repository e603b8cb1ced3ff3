package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/ContentForge/internal/middleware"
)

// ---------------------------------------------------------------------------
// Generic handler factories
// ---------------------------------------------------------------------------

// handleList creates a handler that lists resources and returns JSON.
func handleList[T any](listFn func(ctx context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := listFn(r.Context())
		if err != nil {
			writeInternalError(w, err)
			return
		}
		if items == nil {
			items = []T{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// handleOwnedGet creates a handler that retrieves a resource by URL param
// "id". Resources owned by another user are reported as not found.
func handleOwnedGet[T any](getFn func(ctx context.Context, id string) (*T, error), owner func(*T) string, notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := getFn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		if !ownedBy(r.Context(), owner(item)) {
			writeError(w, http.StatusNotFound, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleOwnedAction creates a handler that loads a resource by URL param
// "id", checks ownership and applies action to it.
func handleOwnedAction[T any](getFn func(ctx context.Context, id string) (*T, error), owner func(*T) string,
	action func(ctx context.Context, id string) (*T, error), notFoundMsg string,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		item, err := getFn(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		if !ownedBy(r.Context(), owner(item)) {
			writeError(w, http.StatusNotFound, notFoundMsg)
			return
		}
		res, err := action(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ownedBy reports whether the caller may see a resource of owner. With auth
// disabled every caller is the anonymous user and sees everything.
func ownedBy(ctx context.Context, owner string) bool {
	user := middleware.UserID(ctx)
	return user == middleware.AnonymousUser || user == owner
}

// listOwner is the owner filter for list endpoints.
func listOwner(ctx context.Context) string {
	user := middleware.UserID(ctx)
	if user == middleware.AnonymousUser {
		return ""
	}
	return user
}
