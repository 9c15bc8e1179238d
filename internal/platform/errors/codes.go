// Package errors provides the structured error taxonomy shared by the ledger
// and key vault services.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Ledger errors
	CodeConcurrentAppendConflict Code = "CONCURRENT_APPEND_CONFLICT"

	// Key vault errors
	CodeKeyDestroyed       Code = "KEY_DESTROYED"
	CodeDecryptionFailure  Code = "DECRYPTION_FAILURE"
	CodeKeyVersionConflict Code = "KEY_VERSION_CONFLICT"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInvalidArgument:
		return codes.InvalidArgument

	// NotFound - resource doesn't exist
	case CodeNotFound:
		return codes.NotFound

	// FailedPrecondition - the data was shredded on purpose
	case CodeKeyDestroyed:
		return codes.FailedPrecondition

	// Aborted - lost a race; re-read then retry
	case CodeConcurrentAppendConflict,
		CodeKeyVersionConflict:
		return codes.Aborted

	// DataLoss - ciphertext did not authenticate
	case CodeDecryptionFailure:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}

// Retryable reports whether the caller may retry after re-reading state.
func (c Code) Retryable() bool {
	return c == CodeConcurrentAppendConflict || c == CodeKeyVersionConflict
}
