package cmd

import (
	"encoding/json"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/status"

	apperrors "github.com/louisbranch/ledgerkeep/internal/platform/errors"
)

// Exit statuses shared by the tool commands. 2 is reserved for a run that
// completed and found a broken chain.
const (
	ExitFailure            = 1
	ExitIntegrityViolation = 2
	ExitInvalidArgument    = 3
	ExitNotFound           = 4
	ExitKeyDestroyed       = 5
	ExitDecryptionFailure  = 6
	ExitConflict           = 7
)

// ExitCode maps a failed run to the exit status for its error code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case apperrors.HasCode(err, apperrors.CodeInvalidArgument):
		return ExitInvalidArgument
	case apperrors.HasCode(err, apperrors.CodeNotFound):
		return ExitNotFound
	case apperrors.HasCode(err, apperrors.CodeKeyDestroyed):
		return ExitKeyDestroyed
	case apperrors.HasCode(err, apperrors.CodeDecryptionFailure):
		return ExitDecryptionFailure
	case apperrors.CodeOf(err).Retryable():
		return ExitConflict
	default:
		return ExitFailure
	}
}

// Failure is the machine-readable description of a failed run.
type Failure struct {
	Code      string            `json:"code"`
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DescribeFailure builds the Failure for err from its gRPC status so tools
// report the same code, status and details a gRPC collaborator would see.
func DescribeFailure(err error) Failure {
	code := apperrors.CodeOf(err)
	failure := Failure{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: code.Retryable(),
	}
	st, _ := status.FromError(apperrors.HandleError(err))
	failure.Status = st.Code().String()
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			failure.Metadata = info.Metadata
		}
	}
	return failure
}

// FormatFailure renders err for stderr, as a JSON object when asJSON is set.
func FormatFailure(service string, err error, asJSON bool) string {
	failure := DescribeFailure(err)
	if asJSON {
		data, marshalErr := json.Marshal(failure)
		if marshalErr == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%s: %s: %s", service, failure.Code, failure.Message)
}
