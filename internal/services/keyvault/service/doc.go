// Package service implements the tenant key vault: versioned field encryption
// with crypto-shredding.
//
// Each tenant owns a sequence of key versions. Encrypt binds a field to the
// latest version, rotation adds a version, and destroying a version wipes its
// key material so every field bound to it becomes permanently unreadable
// while the version row stays behind as a tombstone.
package service
