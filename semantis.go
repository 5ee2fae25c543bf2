// Package semantis holds identifiers shared across the semantic cache
// service. The actual cache engine lives in the cache package; the HTTP
// surface in the server package.
package semantis

const (
	// ServiceName is reported by the health endpoint.
	ServiceName = "semantic-cache"

	// Version of the service. Bump on wire-visible changes.
	Version = "0.1.0"
)
