package main

import (
	"context"
	"errors"
	"net/http"
)

// OrgHeader carries the caller's organization id on every tenant-facing
// request.
const OrgHeader = "X-Organization-ID"

type orgKeyType struct{}

var errMissingOrg = errors.New("missing " + OrgHeader + " header")

// OrgMiddleware rejects requests without an organization header and stashes
// the id in the request context for the handlers behind it.
func OrgMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(OrgHeader)
		if orgID == "" {
			writeError(w, http.StatusBadRequest, errMissingOrg)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKeyType{}, orgID)))
	})
}

// OrgFromContext returns the organization id set by OrgMiddleware.
func OrgFromContext(ctx context.Context) (string, error) {
	if orgID, ok := ctx.Value(orgKeyType{}).(string); ok && orgID != "" {
		return orgID, nil
	}
	return "", errMissingOrg
}
