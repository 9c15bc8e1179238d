// Package app wires configuration, storage backends and services so tools
// and embedding applications build the ledger and key vault the same way.
package app
