package chain

import "time"

// Verification finding reasons. These strings are part of the audit report
// format and must not change.
const (
	ReasonEntryNotFound        = "Entry not found"
	ReasonPreviousHashMismatch = "Previous hash mismatch"
	ReasonHashMismatch         = "Hash mismatch"
)

// FailedEntry is one integrity finding.
type FailedEntry struct {
	SequenceNumber int64  `json:"sequence_number" yaml:"sequence_number"`
	Reason         string `json:"reason" yaml:"reason"`
}

// IntegrityCheckResult is the report produced by one verification run.
type IntegrityCheckResult struct {
	TenantID      int64         `json:"tenant_id" yaml:"tenant_id"`
	FromSequence  int64         `json:"from_sequence" yaml:"from_sequence"`
	ToSequence    int64         `json:"to_sequence" yaml:"to_sequence"`
	CheckedCount  int           `json:"checked_count" yaml:"checked_count"`
	OK            bool          `json:"ok" yaml:"ok"`
	FailedEntries []FailedEntry `json:"failed_entries" yaml:"failed_entries"`
	CheckedAt     time.Time     `json:"checked_at" yaml:"checked_at"`
}

// Record appends a finding and marks the result as failed.
func (r *IntegrityCheckResult) Record(seq int64, reason string) {
	r.FailedEntries = append(r.FailedEntries, FailedEntry{SequenceNumber: seq, Reason: reason})
	r.OK = false
}

// CheckEntry compares a stored entry against the previous hash it should link
// to and against its own recomputed hash. expectedPrevious may be empty when
// the predecessor is unknown, which skips the linkage comparison. It returns
// the finding reason, or "" when the entry is intact.
func CheckEntry(stored StoredEntry, expectedPrevious string) string {
	if expectedPrevious != "" && stored.PreviousHash != expectedPrevious {
		return ReasonPreviousHashMismatch
	}
	if EntryHash(stored.PreviousHash, stored.Payload, stored.CreatedAt) != stored.EntryHash {
		return ReasonHashMismatch
	}
	return ""
}
