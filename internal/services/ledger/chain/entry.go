package chain

import "time"

// Entry is one immutable link of a tenant's audit chain. The payload it
// commits to is kept by the storage layer, not on the value itself.
type Entry struct {
	TenantID       int64
	SequenceNumber int64
	EntryHash      string
	PreviousHash   string
	CreatedAt      time.Time
}

// StoredEntry pairs an entry with the payload it was hashed over, which is
// what storage persists and what verification needs.
type StoredEntry struct {
	Entry
	Payload string
}

// Next builds the entry that follows prev (or starts the chain when prev is
// nil) for the given payload.
func Next(tenantID int64, prev *Entry, payload string, createdAt time.Time) StoredEntry {
	seq := int64(1)
	previousHash := GenesisHash
	if prev != nil {
		seq = prev.SequenceNumber + 1
		previousHash = prev.EntryHash
	}
	createdAt = NormalizeTimestamp(createdAt)
	return StoredEntry{
		Entry: Entry{
			TenantID:       tenantID,
			SequenceNumber: seq,
			EntryHash:      EntryHash(previousHash, payload, createdAt),
			PreviousHash:   previousHash,
			CreatedAt:      createdAt,
		},
		Payload: payload,
	}
}
