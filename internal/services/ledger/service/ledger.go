package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/louisbranch/ledgerkeep/internal/platform/errors"
	platformotel "github.com/louisbranch/ledgerkeep/internal/platform/otel"
	"github.com/louisbranch/ledgerkeep/internal/platform/tenantlock"
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/chain"
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxAppendAttempts bounds how many times Append recomputes an entry
// after losing a sequence race.
const DefaultMaxAppendAttempts = 3

// verifyPageSize bounds how many entries Verify holds in memory at once.
const verifyPageSize = 500

// HashChain is the ledger contract offered to collaborators.
type HashChain interface {
	Append(ctx context.Context, tenantID int64, payload string, createdAt time.Time) (chain.Entry, error)
	Verify(ctx context.Context, tenantID int64, fromSequence int64, toSequence *int64) chain.IntegrityCheckResult
	GetEntry(ctx context.Context, tenantID, sequenceNumber int64) (chain.Entry, bool, error)
	GetLatest(ctx context.Context, tenantID int64) (chain.Entry, bool, error)
}

// Ledger is the storage-backed HashChain.
type Ledger struct {
	store       storage.EntryStore
	locks       *tenantlock.Striped
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

var _ HashChain = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxAppendAttempts sets the total number of append attempts per call.
// Values below 1 are ignored.
func WithMaxAppendAttempts(n int) Option {
	return func(l *Ledger) {
		if n >= 1 {
			l.maxAttempts = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp verification reports.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLockStripes sets the number of in-process tenant lock stripes.
func WithLockStripes(n int) Option {
	return func(l *Ledger) {
		l.locks = tenantlock.New(n)
	}
}

// New builds a Ledger over store.
func New(store storage.EntryStore, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	l := &Ledger{
		store:       store,
		locks:       tenantlock.New(tenantlock.DefaultStripes),
		maxAttempts: DefaultMaxAppendAttempts,
		logger:      slog.New(slog.DiscardHandler),
		tracer:      platformotel.Tracer("ledger"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Append extends the tenant's chain with payload and returns the new entry.
func (l *Ledger) Append(ctx context.Context, tenantID int64, payload string, createdAt time.Time) (chain.Entry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Append", trace.WithAttributes(attribute.Int64("tenant_id", tenantID)))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return chain.Entry{}, err
	}
	if createdAt.IsZero() {
		return chain.Entry{}, apperrors.New(apperrors.CodeInvalidArgument, "created_at is required")
	}

	unlock := l.locks.Lock(tenantID)
	defer unlock()

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return chain.Entry{}, err
		}
		stored, err := l.appendOnce(ctx, tenantID, payload, createdAt)
		if err == nil {
			span.SetAttributes(
				attribute.Int64("sequence_number", stored.SequenceNumber),
				attribute.Int("attempts", attempt),
			)
			l.logger.DebugContext(ctx, "ledger entry appended",
				"tenant_id", tenantID,
				"sequence_number", stored.SequenceNumber,
			)
			return stored.Entry, nil
		}
		if !errors.Is(err, storage.ErrSequenceConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append failed")
			return chain.Entry{}, fmt.Errorf("append ledger entry: %w", err)
		}
		l.logger.WarnContext(ctx, "ledger sequence conflict, re-reading latest entry",
			"tenant_id", tenantID,
			"attempt", attempt,
			"max_attempts", l.maxAttempts,
		)
	}

	span.SetStatus(codes.Error, "append conflict")
	return chain.Entry{}, apperrors.WithMetadata(
		apperrors.CodeConcurrentAppendConflict,
		fmt.Sprintf("sequence conflict persisted after %d attempts", l.maxAttempts),
		map[string]string{"tenant_id": fmt.Sprint(tenantID)},
	)
}

func (l *Ledger) appendOnce(ctx context.Context, tenantID int64, payload string, createdAt time.Time) (chain.StoredEntry, error) {
	next := func(latest *chain.Entry) (chain.StoredEntry, error) {
		return chain.Next(tenantID, latest, payload, createdAt), nil
	}
	if locking, ok := l.store.(storage.LockingStore); ok {
		return locking.AppendLocked(ctx, tenantID, next)
	}

	var latest *chain.Entry
	stored, err := l.store.LatestEntry(ctx, tenantID)
	switch {
	case err == nil:
		latest = &stored.Entry
	case errors.Is(err, storage.ErrNotFound):
	default:
		return chain.StoredEntry{}, fmt.Errorf("load latest entry: %w", err)
	}
	entry, err := next(latest)
	if err != nil {
		return chain.StoredEntry{}, err
	}
	if err := l.store.InsertEntry(ctx, entry); err != nil {
		return chain.StoredEntry{}, err
	}
	return entry, nil
}

// GetEntry loads one entry. A missing entry reports found=false.
func (l *Ledger) GetEntry(ctx context.Context, tenantID, sequenceNumber int64) (chain.Entry, bool, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetEntry", trace.WithAttributes(
		attribute.Int64("tenant_id", tenantID),
		attribute.Int64("sequence_number", sequenceNumber),
	))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return chain.Entry{}, false, err
	}
	if sequenceNumber <= 0 {
		return chain.Entry{}, false, apperrors.New(apperrors.CodeInvalidArgument, "sequence number must be positive")
	}
	stored, err := l.store.GetEntry(ctx, tenantID, sequenceNumber)
	return lookupResult(span, stored, err)
}

// GetLatest loads the tenant's highest-sequence entry. An empty chain
// reports found=false.
func (l *Ledger) GetLatest(ctx context.Context, tenantID int64) (chain.Entry, bool, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetLatest", trace.WithAttributes(attribute.Int64("tenant_id", tenantID)))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return chain.Entry{}, false, err
	}
	stored, err := l.store.LatestEntry(ctx, tenantID)
	return lookupResult(span, stored, err)
}

func lookupResult(span trace.Span, stored chain.StoredEntry, err error) (chain.Entry, bool, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return chain.Entry{}, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return chain.Entry{}, false, fmt.Errorf("load ledger entry: %w", err)
	}
	return stored.Entry, true, nil
}

func validateTenant(tenantID int64) error {
	if tenantID <= 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "tenant id must be positive")
	}
	return nil
}
