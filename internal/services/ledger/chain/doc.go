// Package chain defines the tamper-evident ledger entry and its hashing
// protocol.
//
// Every entry commits to its predecessor's hash, its own payload, and its
// creation second:
//
//	EntryHash = hex(sha256(PreviousHash || payload || "2006-01-02T15:04:05Z"))
//
// The first entry of a tenant's chain links to GenesisHash. Altering any
// stored payload, timestamp, or link is therefore detectable by recomputing
// the chain.
package chain
