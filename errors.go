package txkit

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCode represents a database error classification
type ErrorCode string

const (
	CodeTxClosed         ErrorCode = "TX_CLOSED"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeForeignKey       ErrorCode = "FOREIGN_KEY"
	CodeCheckViolation   ErrorCode = "CHECK_VIOLATION"
	CodeNotNullViolation ErrorCode = "NOT_NULL"
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeSerialization    ErrorCode = "SERIALIZATION"
	CodeDeadlock         ErrorCode = "DEADLOCK"
	CodeRollbackTimeout  ErrorCode = "ROLLBACK_TIMEOUT"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// Sentinel errors for quick checks
var (
	ErrTxClosed         = errors.New("txkit: transaction already closed")
	ErrDuplicate        = errors.New("txkit: duplicate key violation")
	ErrForeignKey       = errors.New("txkit: foreign key violation")
	ErrCheckViolation   = errors.New("txkit: check constraint violation")
	ErrNotNullViolation = errors.New("txkit: not null violation")
	ErrConnection       = errors.New("txkit: connection failed")
	ErrTimeout          = errors.New("txkit: operation timeout")
	ErrSerialization    = errors.New("txkit: serialization failure")
	ErrDeadlock         = errors.New("txkit: deadlock detected")
	ErrRollbackTimeout  = errors.New("txkit: emergency rollback timed out")
)

// Error is a rich database error with context
type Error struct {
	Code       ErrorCode // Error classification
	Message    string    // Human-readable message
	Op         string    // Operation that failed (e.g., "Exec", "Close")
	Table      string    // Table name if known
	Column     string    // Column name if known
	Constraint string    // Constraint name if applicable
	Detail     string    // Additional detail from PostgreSQL
	Hint       string    // Hint from PostgreSQL
	Query      string    // Query that failed (may be empty for security)
	Cause      error     // Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("txkit: %s", e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("txkit.%s: %s", e.Op, e.Message)
	}
	if e.Table != "" {
		msg += fmt.Sprintf(" (table: %s)", e.Table)
	}
	if e.Constraint != "" {
		msg += fmt.Sprintf(" (constraint: %s)", e.Constraint)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for sentinel error matching
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeTxClosed:
		return target == ErrTxClosed
	case CodeDuplicate:
		return target == ErrDuplicate
	case CodeForeignKey:
		return target == ErrForeignKey
	case CodeCheckViolation:
		return target == ErrCheckViolation
	case CodeNotNullViolation:
		return target == ErrNotNullViolation
	case CodeConnectionFailed:
		return target == ErrConnection
	case CodeTimeout:
		return target == ErrTimeout
	case CodeSerialization:
		return target == ErrSerialization
	case CodeDeadlock:
		return target == ErrDeadlock
	case CodeRollbackTimeout:
		return target == ErrRollbackTimeout
	}
	return false
}

// errTxClosed builds the InvalidState error for statements on a closed handle
func errTxClosed(op string) error {
	return &Error{
		Code:    CodeTxClosed,
		Message: "transaction already closed",
		Op:      op,
	}
}

// wrapError converts a raw error to a rich Error
func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}

	// Already wrapped
	var txErr *Error
	if errors.As(err, &txErr) {
		return err
	}

	// PostgreSQL specific errors
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return wrapPgError(pgErr, op)
	}

	// Generic wrapping
	return &Error{
		Code:    CodeUnknown,
		Message: err.Error(),
		Op:      op,
		Cause:   err,
	}
}

// wrapPgError converts PostgreSQL errors to rich errors
func wrapPgError(pgErr *pgconn.PgError, op string) *Error {
	e := &Error{
		Op:         op,
		Table:      pgErr.TableName,
		Column:     pgErr.ColumnName,
		Constraint: pgErr.ConstraintName,
		Detail:     pgErr.Detail,
		Hint:       pgErr.Hint,
		Cause:      pgErr,
	}

	// Map PostgreSQL error codes
	// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
	switch pgErr.Code {
	case "23505": // unique_violation
		e.Code = CodeDuplicate
		e.Message = "duplicate key value violates unique constraint"
	case "23503": // foreign_key_violation
		e.Code = CodeForeignKey
		e.Message = "foreign key constraint violation"
	case "23502": // not_null_violation
		e.Code = CodeNotNullViolation
		e.Message = "null value in column violates not-null constraint"
	case "23514": // check_violation
		e.Code = CodeCheckViolation
		e.Message = "check constraint violation"
	case "40001": // serialization_failure
		e.Code = CodeSerialization
		e.Message = "serialization failure, retry transaction"
	case "40P01": // deadlock_detected
		e.Code = CodeDeadlock
		e.Message = "deadlock detected"
	case "57014": // query_canceled (timeout)
		e.Code = CodeTimeout
		e.Message = "query was cancelled due to timeout"
	case "08000", "08003", "08006": // connection errors
		e.Code = CodeConnectionFailed
		e.Message = "database connection failed"
	default:
		e.Code = CodeUnknown
		e.Message = pgErr.Message
	}

	return e
}

// IsTxClosed checks if error is a closed-transaction error
func IsTxClosed(err error) bool {
	return errors.Is(err, ErrTxClosed)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// IsConnection checks if error is a connection error
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTimeout checks if error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable checks if the error is retryable (serialization, deadlock)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrDeadlock)
}

// GetErrorCode extracts the error code if it's a txkit error
func GetErrorCode(err error) (ErrorCode, bool) {
	var txErr *Error
	if errors.As(err, &txErr) {
		return txErr.Code, true
	}
	return "", false
}

// GetConstraint extracts the constraint name if available
func GetConstraint(err error) (string, bool) {
	var txErr *Error
	if errors.As(err, &txErr) && txErr.Constraint != "" {
		return txErr.Constraint, true
	}
	return "", false
}

// GetTable extracts the table name if available
func GetTable(err error) (string, bool) {
	var txErr *Error
	if errors.As(err, &txErr) && txErr.Table != "" {
		return txErr.Table, true
	}
	return "", false
}

// GetDetail extracts the error detail if available
func GetDetail(err error) (string, bool) {
	var txErr *Error
	if errors.As(err, &txErr) && txErr.Detail != "" {
		return txErr.Detail, true
	}
	return "", false
}
