package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/louisbranch/ledgerkeep/internal/services/ledger/chain"
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Verify re-derives the tenant's chain over [fromSequence, toSequence] and
// reports every broken link. toSequence defaults to the latest entry.
//
// Verify never fails: a storage error while loading a sequence is reported
// as "Entry not found" at that sequence and the scan continues.
func (l *Ledger) Verify(ctx context.Context, tenantID int64, fromSequence int64, toSequence *int64) chain.IntegrityCheckResult {
	ctx, span := l.tracer.Start(ctx, "ledger.Verify", trace.WithAttributes(attribute.Int64("tenant_id", tenantID)))
	defer span.End()

	if fromSequence < 1 {
		fromSequence = 1
	}
	result := chain.IntegrityCheckResult{
		TenantID:      tenantID,
		FromSequence:  fromSequence,
		OK:            true,
		FailedEntries: []chain.FailedEntry{},
		CheckedAt:     l.now().UTC(),
	}

	to, ok := l.resolveUpperBound(ctx, tenantID, toSequence)
	if !ok {
		result.ToSequence = fromSequence
		result.CheckedCount = 1
		result.Record(fromSequence, chain.ReasonEntryNotFound)
		return result
	}
	result.ToSequence = to
	if to < fromSequence {
		return result
	}

	expected := l.expectedPrevious(ctx, tenantID, fromSequence)
	var end int64
	for start := fromSequence; ; start = end + 1 {
		end = to
		if to-start >= verifyPageSize {
			end = start + verifyPageSize - 1
		}
		page := l.loadPage(ctx, tenantID, start, end)
		for offset := int64(0); offset <= end-start; offset++ {
			seq := start + offset
			result.CheckedCount++
			stored, found := page[seq]
			if !found {
				result.Record(seq, chain.ReasonEntryNotFound)
				expected = ""
				continue
			}
			if reason := chain.CheckEntry(stored, expected); reason != "" {
				result.Record(seq, reason)
			}
			expected = stored.EntryHash
		}
		if end == to {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("checked_count", result.CheckedCount),
		attribute.Int("failed_count", len(result.FailedEntries)),
	)
	if !result.OK {
		l.logger.WarnContext(ctx, "ledger integrity violations found",
			"tenant_id", tenantID,
			"from_sequence", result.FromSequence,
			"to_sequence", result.ToSequence,
			"failed_count", len(result.FailedEntries),
		)
	}
	return result
}

// resolveUpperBound returns the last sequence to check. ok is false only when
// the default bound could not be read from storage.
func (l *Ledger) resolveUpperBound(ctx context.Context, tenantID int64, toSequence *int64) (int64, bool) {
	if toSequence != nil {
		return *toSequence, true
	}
	if tenantID <= 0 {
		return 0, true
	}
	latest, err := l.store.LatestEntry(ctx, tenantID)
	switch {
	case err == nil:
		return latest.SequenceNumber, true
	case errors.Is(err, storage.ErrNotFound):
		return 0, true
	default:
		l.logger.ErrorContext(ctx, "load latest entry for verification", "tenant_id", tenantID, "error", err)
		return 0, false
	}
}

// expectedPrevious returns the hash the first checked entry must link to,
// or "" when its predecessor is unavailable and linkage cannot be judged.
func (l *Ledger) expectedPrevious(ctx context.Context, tenantID, fromSequence int64) string {
	if fromSequence == 1 {
		return chain.GenesisHash
	}
	prior, err := l.store.GetEntry(ctx, tenantID, fromSequence-1)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.ErrorContext(ctx, "load predecessor for verification",
				"tenant_id", tenantID,
				"sequence_number", fromSequence-1,
				"error", err,
			)
		}
		return ""
	}
	return prior.EntryHash
}

// loadPage reads [from, to] keyed by sequence. When the range read fails it
// falls back to point reads so one unreadable row only affects itself.
func (l *Ledger) loadPage(ctx context.Context, tenantID, from, to int64) map[int64]chain.StoredEntry {
	page := make(map[int64]chain.StoredEntry, to-from+1)
	if tenantID <= 0 {
		return page
	}
	entries, err := l.store.ListEntries(ctx, tenantID, from, to)
	if err == nil {
		for _, entry := range entries {
			page[entry.SequenceNumber] = entry
		}
		return page
	}

	l.logger.WarnContext(ctx, "range read failed, falling back to point reads",
		"tenant_id", tenantID,
		"from_sequence", from,
		"to_sequence", to,
		"error", err,
	)
	for seq := from; seq <= to; seq++ {
		entry, err := l.store.GetEntry(ctx, tenantID, seq)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				l.logger.LogAttrs(ctx, slog.LevelError, "load entry for verification",
					slog.Int64("tenant_id", tenantID),
					slog.Int64("sequence_number", seq),
					slog.Any("error", err),
				)
			}
			continue
		}
		page[seq] = entry
	}
	return page
}
