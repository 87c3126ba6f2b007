// Package catalog loads the static route/stop catalog from a YAML file at
// startup. The catalog is the engine's source of truth for which routes
// exist and which stops belong to each route; it never changes at runtime.
package catalog
