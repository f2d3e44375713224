// Package metadata serves the protected resource metadata document
// (RFC 9728) that tells clients which authorization servers this resource
// accepts tokens from.
package metadata

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// WellKnownPath is where the document is served
const WellKnownPath = "/.well-known/oauth-protected-resource"

// Document is the protected resource metadata
type Document struct {
	// Resource is this server's resource identifier, matching the aud
	// claim it accepts
	Resource string `json:"resource"`

	// AuthorizationServers are the trusted issuer URLs
	AuthorizationServers []string `json:"authorization_servers"`

	// BearerMethodsSupported is fixed: tokens are accepted in the
	// Authorization header only
	BearerMethodsSupported []string `json:"bearer_methods_supported"`

	// ResourceSigningAlgValuesSupported mirrors the validator's closed
	// algorithm set
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported"`

	// ScopesSupported advertises the scopes tools may require
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// New builds the document for a resource and its trusted issuers
func New(resource string, authorizationServers, scopes []string) (Document, error) {
	if resource == "" {
		return Document{}, fmt.Errorf("resource identifier is required")
	}
	if len(authorizationServers) == 0 {
		return Document{}, fmt.Errorf("at least one authorization server is required")
	}

	return Document{
		Resource:                          resource,
		AuthorizationServers:              authorizationServers,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: []string{"RS256", "ES256"},
		ScopesSupported:                   scopes,
	}, nil
}

// Handler serves the document as JSON
func (d Document) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d)
	}
}
