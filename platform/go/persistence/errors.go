package persistence

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the closed taxonomy every storage failure is mapped into before it
// reaches a caller. Callers branch on Kind, never on raw engine errors.
type Kind string

const (
	KindTenantNotFound       Kind = "TenantNotFound"
	KindInvalidScopeState    Kind = "InvalidScopeState"
	KindUniqueViolation      Kind = "UniqueConstraintViolation"
	KindForeignKeyViolation  Kind = "ForeignKeyViolation"
	KindCheckViolation       Kind = "CheckConstraintViolation"
	KindTimeout              Kind = "Timeout"
	KindConnectivityFailure  Kind = "ConnectivityFailure"
	KindPartialCommitFailure Kind = "PartialCommitFailure"
	KindMissingValue         Kind = "MissingValue"
	KindTypeMismatch         Kind = "TypeMismatch"
	KindUnknown              Kind = "Unknown"
)

// userMessages are the stable caller-facing texts. Raw engine detail never
// appears here; it is only reachable through Unwrap for logging.
var userMessages = map[Kind]string{
	KindTenantNotFound:       "the requested tenant is not configured",
	KindInvalidScopeState:    "the transaction scope has already been completed",
	KindUniqueViolation:      "a record with the same identity already exists",
	KindForeignKeyViolation:  "the operation references a record that does not exist",
	KindCheckViolation:       "a value does not satisfy a domain rule",
	KindTimeout:              "the operation timed out",
	KindConnectivityFailure:  "the database could not be reached",
	KindPartialCommitFailure: "the operation was only partially committed and needs reconciliation",
	KindMissingValue:         "a required value was absent",
	KindTypeMismatch:         "a value has an unexpected type",
	KindUnknown:              "an unexpected error occurred",
}

var retryableKinds = map[Kind]bool{
	KindTimeout:             true,
	KindConnectivityFailure: true,
}

// ClassifiedError carries a taxonomy kind, a stable user-facing message and a
// retryability flag alongside the original cause.
type ClassifiedError struct {
	Kind        Kind
	UserMessage string
	Retryable   bool
	cause       error
}

func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.UserMessage
}

func (e *ClassifiedError) Unwrap() error { return e.cause }

// Programming reports whether the error indicates a defect in calling code
// rather than a business or infrastructure condition.
func (e *ClassifiedError) Programming() bool {
	switch e.Kind {
	case KindInvalidScopeState, KindMissingValue, KindTypeMismatch:
		return true
	}
	return false
}

func newError(kind Kind, cause error) *ClassifiedError {
	return &ClassifiedError{
		Kind:        kind,
		UserMessage: userMessages[kind],
		Retryable:   retryableKinds[kind],
		cause:       cause,
	}
}

// IsKind reports whether err classifies to the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Kind == kind
}

// Classify maps a low-level storage error into the taxonomy. Already
// classified errors pass through unchanged, so classification is idempotent.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var pce *PartialCommitError
	if errors.As(err, &pce) {
		return newError(KindPartialCommitFailure, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return newError(KindUniqueViolation, err)
		case "23503":
			return newError(KindForeignKeyViolation, err)
		case "23514":
			return newError(KindCheckViolation, err)
		case "57014":
			// query_canceled, raised by statement_timeout or cancellation.
			return newError(KindTimeout, err)
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return newError(KindConnectivityFailure, err)
		}
		return newError(KindUnknown, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(KindTimeout, err)
	}
	if pgconn.Timeout(err) {
		return newError(KindTimeout, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return newError(KindConnectivityFailure, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(KindTimeout, err)
		}
		return newError(KindConnectivityFailure, err)
	}

	return newError(KindUnknown, err)
}
