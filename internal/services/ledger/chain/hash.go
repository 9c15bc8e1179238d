package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// TimestampLayout is the canonical UTC second-precision form hashed into
// every entry.
const TimestampLayout = "2006-01-02T15:04:05Z"

// HashLength is the length of every hex-encoded entry hash.
const HashLength = sha256.Size * 2

// GenesisHash is the previous hash of the first entry in every tenant chain.
var GenesisHash = strings.Repeat("0", HashLength)

// NormalizeTimestamp truncates t to whole seconds in UTC, the precision the
// ledger stores and hashes.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// FormatTimestamp renders t in the canonical hashed form.
func FormatTimestamp(t time.Time) string {
	return NormalizeTimestamp(t).Format(TimestampLayout)
}

// EntryHash computes the hash that links an entry to its predecessor. It is a
// pure function of its inputs.
func EntryHash(previousHash, payload string, createdAt time.Time) string {
	h := sha256.New()
	_, _ = h.Write([]byte(previousHash))
	_, _ = h.Write([]byte(payload))
	_, _ = h.Write([]byte(FormatTimestamp(createdAt)))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidHash reports whether value looks like a stored entry hash: 64
// lowercase hex characters.
func ValidHash(value string) bool {
	if len(value) != HashLength {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
