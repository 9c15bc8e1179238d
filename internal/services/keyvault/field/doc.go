// Package field defines the values the key vault hands to collaborators:
// encrypted fields bound to a tenant key version, and key version metadata.
package field
