package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/ledgerkeep/internal/platform/errors"
	platformotel "github.com/louisbranch/ledgerkeep/internal/platform/otel"
	"github.com/louisbranch/ledgerkeep/internal/platform/tenantlock"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/masterkey"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/sealer"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxCreateAttempts bounds how many times version creation re-reads
// the latest version after losing a race.
const DefaultMaxCreateAttempts = 3

// Vault is the key vault contract offered to collaborators.
type Vault interface {
	Encrypt(ctx context.Context, plaintext string, tenantID int64) (field.EncryptedField, error)
	Decrypt(ctx context.Context, f field.EncryptedField, tenantID int64) (string, error)
	RotateKey(ctx context.Context, tenantID int64) (int, error)
	DestroyKey(ctx context.Context, tenantID int64, version int) error
	CurrentKeyVersion(ctx context.Context, tenantID int64) (int, error)
}

// KeyVault is the storage-backed Vault.
type KeyVault struct {
	store       storage.KeyStore
	keyring     *masterkey.Keyring
	algorithm   field.Algorithm
	locks       *tenantlock.Striped
	maxAttempts int
	random      io.Reader
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

var _ Vault = (*KeyVault)(nil)

// Option configures a KeyVault.
type Option func(*KeyVault)

// WithAlgorithm sets the cipher used for newly created key versions.
// Existing versions keep the algorithm they were created with.
func WithAlgorithm(alg field.Algorithm) Option {
	return func(v *KeyVault) {
		v.algorithm = alg
	}
}

// WithMaxCreateAttempts sets the total number of version creation attempts.
// Values below 1 are ignored.
func WithMaxCreateAttempts(n int) Option {
	return func(v *KeyVault) {
		if n >= 1 {
			v.maxAttempts = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *KeyVault) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithClock overrides the clock used for key timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *KeyVault) {
		if now != nil {
			v.now = now
		}
	}
}

// WithRandom overrides the source of key material.
func WithRandom(reader io.Reader) Option {
	return func(v *KeyVault) {
		if reader != nil {
			v.random = reader
		}
	}
}

// New builds a KeyVault over store, wrapping keys with keyring.
func New(store storage.KeyStore, keyring *masterkey.Keyring, opts ...Option) (*KeyVault, error) {
	if store == nil {
		return nil, errors.New("key store is required")
	}
	if keyring == nil {
		return nil, errors.New("master keyring is required")
	}
	v := &KeyVault{
		store:       store,
		keyring:     keyring,
		algorithm:   field.DefaultAlgorithm,
		locks:       tenantlock.New(tenantlock.DefaultStripes),
		maxAttempts: DefaultMaxCreateAttempts,
		random:      rand.Reader,
		logger:      slog.New(slog.DiscardHandler),
		tracer:      platformotel.Tracer("keyvault"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if !v.algorithm.Valid() {
		return nil, fmt.Errorf("unsupported field algorithm %q", v.algorithm)
	}
	return v, nil
}

// CurrentKeyVersion returns the tenant's latest key version, creating
// version 1 on first use.
func (v *KeyVault) CurrentKeyVersion(ctx context.Context, tenantID int64) (int, error) {
	ctx, span := v.tracer.Start(ctx, "keyvault.CurrentKeyVersion", trace.WithAttributes(attribute.Int64("tenant_id", tenantID)))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return 0, err
	}
	record, err := v.currentRecord(ctx, tenantID)
	if err != nil {
		return 0, failSpan(span, err)
	}
	return record.Version, nil
}

// Encrypt seals plaintext under the tenant's current key version.
func (v *KeyVault) Encrypt(ctx context.Context, plaintext string, tenantID int64) (field.EncryptedField, error) {
	ctx, span := v.tracer.Start(ctx, "keyvault.Encrypt", trace.WithAttributes(attribute.Int64("tenant_id", tenantID)))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return field.EncryptedField{}, err
	}
	record, err := v.currentRecord(ctx, tenantID)
	if err != nil {
		return field.EncryptedField{}, failSpan(span, err)
	}
	span.SetAttributes(attribute.Int("key_version", record.Version))
	if record.Destroyed() {
		return field.EncryptedField{}, keyDestroyed(tenantID, record.Version)
	}

	s, err := v.recordSealer(record)
	if err != nil {
		return field.EncryptedField{}, failSpan(span, err)
	}
	ciphertext, err := s.Seal(plaintext, field.AssociatedData(tenantID, record.Version, record.Algorithm))
	if err != nil {
		return field.EncryptedField{}, failSpan(span, fmt.Errorf("seal field: %w", err))
	}
	return field.EncryptedField{
		Ciphertext: ciphertext,
		KeyVersion: record.Version,
		Algorithm:  record.Algorithm,
	}, nil
}

// Decrypt opens a field with the key version it is bound to.
func (v *KeyVault) Decrypt(ctx context.Context, f field.EncryptedField, tenantID int64) (string, error) {
	ctx, span := v.tracer.Start(ctx, "keyvault.Decrypt", trace.WithAttributes(
		attribute.Int64("tenant_id", tenantID),
		attribute.Int("key_version", f.KeyVersion),
	))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return "", err
	}
	if f.KeyVersion <= 0 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "key version must be positive")
	}

	record, err := v.store.GetKey(ctx, tenantID, f.KeyVersion)
	if errors.Is(err, storage.ErrNotFound) {
		return "", versionNotFound(tenantID, f.KeyVersion)
	}
	if err != nil {
		return "", failSpan(span, fmt.Errorf("load tenant key: %w", err))
	}
	if record.Destroyed() {
		return "", keyDestroyed(tenantID, f.KeyVersion)
	}
	if !f.Algorithm.Valid() || f.Algorithm != record.Algorithm {
		return "", decryptionFailure(tenantID, f.KeyVersion, fmt.Errorf("algorithm %q does not match key version", f.Algorithm))
	}

	s, err := v.recordSealer(record)
	if err != nil {
		return "", failSpan(span, err)
	}
	plaintext, err := s.Open(f.Ciphertext, field.AssociatedData(tenantID, f.KeyVersion, f.Algorithm))
	if err != nil {
		if errors.Is(err, sealer.ErrMalformed) || errors.Is(err, sealer.ErrAuthentication) {
			v.logger.WarnContext(ctx, "field failed to decrypt",
				"tenant_id", tenantID,
				"key_version", f.KeyVersion,
			)
			return "", decryptionFailure(tenantID, f.KeyVersion, err)
		}
		return "", failSpan(span, fmt.Errorf("open field: %w", err))
	}
	return plaintext, nil
}

// RotateKey creates the tenant's next key version and returns it. The
// previous version stays usable for decryption.
func (v *KeyVault) RotateKey(ctx context.Context, tenantID int64) (int, error) {
	ctx, span := v.tracer.Start(ctx, "keyvault.RotateKey", trace.WithAttributes(attribute.Int64("tenant_id", tenantID)))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return 0, err
	}
	record, err := v.createVersion(ctx, tenantID, true)
	if err != nil {
		return 0, failSpan(span, err)
	}
	span.SetAttributes(attribute.Int("key_version", record.Version))
	v.logger.InfoContext(ctx, "tenant key rotated",
		"tenant_id", tenantID,
		"key_version", record.Version,
		"algorithm", record.Algorithm.String(),
	)
	return record.Version, nil
}

// DestroyKey shreds one key version. Destroying an already destroyed version
// succeeds without changing its tombstone.
func (v *KeyVault) DestroyKey(ctx context.Context, tenantID int64, version int) error {
	ctx, span := v.tracer.Start(ctx, "keyvault.DestroyKey", trace.WithAttributes(
		attribute.Int64("tenant_id", tenantID),
		attribute.Int("key_version", version),
	))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if version <= 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "key version must be positive")
	}

	unlock := v.locks.Lock(tenantID)
	defer unlock()

	_, err := v.store.DestroyKey(ctx, tenantID, version, v.now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return versionNotFound(tenantID, version)
	}
	if err != nil {
		return failSpan(span, fmt.Errorf("destroy tenant key: %w", err))
	}
	v.logger.InfoContext(ctx, "tenant key destroyed",
		"tenant_id", tenantID,
		"key_version", version,
	)
	return nil
}

// KeyVersions lists the tenant's key versions with their derived state.
func (v *KeyVault) KeyVersions(ctx context.Context, tenantID int64) ([]field.KeyVersion, error) {
	ctx, span := v.tracer.Start(ctx, "keyvault.KeyVersions", trace.WithAttributes(attribute.Int64("tenant_id", tenantID)))
	defer span.End()

	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	records, err := v.store.ListKeys(ctx, tenantID)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("list tenant keys: %w", err))
	}
	latest := 0
	for _, record := range records {
		latest = max(latest, record.Version)
	}
	versions := make([]field.KeyVersion, 0, len(records))
	for _, record := range records {
		versions = append(versions, field.KeyVersion{
			TenantID:    record.TenantID,
			Version:     record.Version,
			Algorithm:   record.Algorithm,
			State:       field.DeriveState(record.Destroyed(), record.Version == latest),
			MasterKeyID: record.MasterKeyID,
			CreatedAt:   record.CreatedAt,
			DestroyedAt: record.DestroyedAt,
		})
	}
	return versions, nil
}

// currentRecord returns the latest version, creating version 1 when the
// tenant has none.
func (v *KeyVault) currentRecord(ctx context.Context, tenantID int64) (storage.KeyRecord, error) {
	unlock := v.locks.RLock(tenantID)
	record, err := v.store.LatestKey(ctx, tenantID)
	unlock()
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.KeyRecord{}, fmt.Errorf("load current tenant key: %w", err)
	}
	return v.createVersion(ctx, tenantID, false)
}

// createVersion adds the tenant's next version. When rotate is false it only
// creates version 1 and otherwise returns the existing latest version.
func (v *KeyVault) createVersion(ctx context.Context, tenantID int64, rotate bool) (storage.KeyRecord, error) {
	unlock := v.locks.Lock(tenantID)
	defer unlock()

	for attempt := 1; attempt <= v.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return storage.KeyRecord{}, err
		}
		record, err := v.createOnce(ctx, tenantID, rotate)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return storage.KeyRecord{}, fmt.Errorf("create tenant key: %w", err)
		}
		v.logger.WarnContext(ctx, "key version conflict, re-reading latest version",
			"tenant_id", tenantID,
			"attempt", attempt,
			"max_attempts", v.maxAttempts,
		)
	}
	return storage.KeyRecord{}, apperrors.WithMetadata(
		apperrors.CodeKeyVersionConflict,
		fmt.Sprintf("key version conflict persisted after %d attempts", v.maxAttempts),
		map[string]string{"tenant_id": strconv.FormatInt(tenantID, 10)},
	)
}

func (v *KeyVault) createOnce(ctx context.Context, tenantID int64, rotate bool) (storage.KeyRecord, error) {
	build := func(latest *storage.KeyRecord) (*storage.KeyRecord, error) {
		if latest != nil && !rotate {
			return nil, nil
		}
		version := 1
		if latest != nil {
			version = latest.Version + 1
		}
		return v.newRecord(tenantID, version)
	}
	if locking, ok := v.store.(storage.LockingKeyStore); ok {
		return locking.CreateLocked(ctx, tenantID, build)
	}

	var latest *storage.KeyRecord
	record, err := v.store.LatestKey(ctx, tenantID)
	switch {
	case err == nil:
		latest = &record
	case errors.Is(err, storage.ErrNotFound):
	default:
		return storage.KeyRecord{}, err
	}
	next, err := build(latest)
	if err != nil {
		return storage.KeyRecord{}, err
	}
	if next == nil {
		return *latest, nil
	}
	if err := v.store.InsertKey(ctx, *next); err != nil {
		return storage.KeyRecord{}, err
	}
	return *next, nil
}

// newRecord generates fresh key material for version and wraps it.
func (v *KeyVault) newRecord(tenantID int64, version int) (*storage.KeyRecord, error) {
	dataKey := make([]byte, sealer.KeySize)
	defer clear(dataKey)
	if _, err := io.ReadFull(v.random, dataKey); err != nil {
		return nil, fmt.Errorf("generate tenant key: %w", err)
	}
	wrapped, keyID, err := v.keyring.Wrap(tenantID, version, dataKey)
	if err != nil {
		return nil, err
	}
	return &storage.KeyRecord{
		TenantID:    tenantID,
		Version:     version,
		Algorithm:   v.algorithm,
		MasterKeyID: keyID,
		WrappedKey:  wrapped,
		CreatedAt:   v.now().UTC().Truncate(time.Second),
	}, nil
}

// recordSealer unwraps a live version's key into a sealer.
func (v *KeyVault) recordSealer(record storage.KeyRecord) (*sealer.Sealer, error) {
	dataKey, err := v.keyring.Unwrap(record.TenantID, record.Version, record.MasterKeyID, record.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("tenant_id=%d version=%d: %w", record.TenantID, record.Version, err)
	}
	defer clear(dataKey)
	return sealer.New(record.Algorithm, dataKey)
}

func validateTenant(tenantID int64) error {
	if tenantID <= 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "tenant id must be positive")
	}
	return nil
}

func keyMetadata(tenantID int64, version int) map[string]string {
	return map[string]string{
		"tenant_id":   strconv.FormatInt(tenantID, 10),
		"key_version": strconv.Itoa(version),
	}
}

func keyDestroyed(tenantID int64, version int) error {
	return apperrors.WithMetadata(apperrors.CodeKeyDestroyed,
		fmt.Sprintf("key version %d has been destroyed", version), keyMetadata(tenantID, version))
}

func versionNotFound(tenantID int64, version int) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound,
		fmt.Sprintf("key version %d not found", version), keyMetadata(tenantID, version))
}

func decryptionFailure(tenantID int64, version int, cause error) error {
	return apperrors.WrapWithMetadata(apperrors.CodeDecryptionFailure,
		"field could not be decrypted", keyMetadata(tenantID, version), cause)
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
