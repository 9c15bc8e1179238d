// Package sqlite implements the ledger entry store on SQLite.
package sqlite
