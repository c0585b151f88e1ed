package ledger

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotAuthenticated means no owner identity or store handle is available.
// The engine checks for it before any I/O and aborts the pass.
var ErrNotAuthenticated = errors.New("ledger: not authenticated")

// IsPermissionDenied reports whether the store rejected an operation for
// lack of access. Callers log these once per context and skip the record.
func IsPermissionDenied(err error) bool {
	return status.Code(err) == codes.PermissionDenied
}

// IsMissingIndex detects the store's "this query needs a composite index"
// failure, which surfaces as FailedPrecondition with an index hint in the
// message. The loader falls back to updatedAt ordering when it sees this.
func IsMissingIndex(err error) bool {
	if status.Code(err) != codes.FailedPrecondition {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "index")
}

// IsTransient reports whether an individual operation failed in a way a
// later pass can be expected to heal: network trouble, deadline, backend
// unavailability, or a canceled context.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}
