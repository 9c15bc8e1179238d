// Package service implements the tamper-evident ledger: appends that extend a
// tenant's hash chain and audits that re-derive it from storage.
//
// Appends for one tenant are serialized by an in-process tenant lock and by
// the store's (tenant_id, sequence_number) uniqueness. A lost race is
// retried from a fresh read of the latest entry, never by resubmitting the
// entry that collided.
package service
