package chain

import (
	"testing"
	"time"
)

func TestNextStartsAtGenesis(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 400, time.UTC)
	first := Next(7, nil, "A", createdAt)

	if first.SequenceNumber != 1 {
		t.Fatalf("sequence = %d, want 1", first.SequenceNumber)
	}
	if first.PreviousHash != GenesisHash {
		t.Fatalf("previous hash = %s, want genesis", first.PreviousHash)
	}
	if !first.CreatedAt.Equal(createdAt.Truncate(time.Second)) {
		t.Fatalf("created at = %v, want second precision", first.CreatedAt)
	}
	if first.TenantID != 7 || first.Payload != "A" {
		t.Fatalf("unexpected entry: %+v", first)
	}
}

func TestNextLinksToPredecessor(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := Next(7, nil, "A", createdAt)
	second := Next(7, &first.Entry, "B", createdAt.Add(time.Minute))

	if second.SequenceNumber != 2 {
		t.Fatalf("sequence = %d, want 2", second.SequenceNumber)
	}
	if second.PreviousHash != first.EntryHash {
		t.Fatal("expected second entry to link to the first entry hash")
	}
	if second.EntryHash != EntryHash(first.EntryHash, "B", second.CreatedAt) {
		t.Fatal("expected entry hash to follow the hashing protocol")
	}
}

func TestCheckEntry(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := Next(1, nil, "A", createdAt)

	if reason := CheckEntry(first, GenesisHash); reason != "" {
		t.Fatalf("expected intact entry, got %q", reason)
	}

	tampered := first
	tampered.Payload = "A'"
	if reason := CheckEntry(tampered, GenesisHash); reason != ReasonHashMismatch {
		t.Fatalf("reason = %q, want hash mismatch", reason)
	}

	relinked := first
	relinked.PreviousHash = first.EntryHash
	if reason := CheckEntry(relinked, GenesisHash); reason != ReasonPreviousHashMismatch {
		t.Fatalf("reason = %q, want previous hash mismatch", reason)
	}

	if reason := CheckEntry(first, ""); reason != "" {
		t.Fatalf("expected unknown predecessor to skip linkage, got %q", reason)
	}
}

func TestIntegrityCheckResultRecord(t *testing.T) {
	result := IntegrityCheckResult{OK: true}
	result.Record(2, ReasonHashMismatch)

	if result.OK {
		t.Fatal("expected result to fail after a finding")
	}
	if len(result.FailedEntries) != 1 || result.FailedEntries[0].SequenceNumber != 2 {
		t.Fatalf("unexpected findings: %+v", result.FailedEntries)
	}
}
