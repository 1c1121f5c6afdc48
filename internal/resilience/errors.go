package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConflictError reports that a conditional write lost a race with another
// writer. The caller should re-read and try again.
type ConflictError struct {
	Op string
}

func (e *ConflictError) Error() string {
	return "write conflict: " + e.Op
}

// NewConflictError returns a ConflictError for op.
func NewConflictError(op string) *ConflictError {
	return &ConflictError{Op: op}
}

// IsConflict reports whether err (or any error in its chain) is a write
// conflict, including Postgres serialization and deadlock failures.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// ExhaustedError is returned by Do/DoVal when every attempt failed with a
// retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err came from a spent retry budget.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// IsTransient returns true if the error is a write conflict or matches common
// transient network patterns (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsConflict(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"conn closed",
		"too many clients",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
