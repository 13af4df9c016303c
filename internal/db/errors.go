package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mozilla/addons-server-sub004/internal/retry"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned on a unique constraint violation.
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrForeignKeyViolation is returned when a referenced row is missing.
	ErrForeignKeyViolation = errors.New("foreign key violation")

	// ErrImmutableRecord is raised by the trigger guarding published submissions.
	ErrImmutableRecord = errors.New("record is immutable and cannot be modified")
)

// WrapError annotates err with the operation and maps driver errors onto the
// package sentinels. Serialization failures, deadlocks and lost connections
// come back as retry.TransientError.
func WrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", operation, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w (constraint: %s)", operation, ErrDuplicateKey, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w (constraint: %s)", operation, ErrForeignKeyViolation, pgErr.ConstraintName)
		case "P0001": // raise_exception
			return fmt.Errorf("%s: %w: %s", operation, ErrImmutableRecord, pgErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return retry.Transient(operation, err)
		default:
			if strings.HasPrefix(pgErr.Code, "08") { // connection_exception class
				return retry.Transient(operation, err)
			}
			return fmt.Errorf("%s: database error [%s]: %w", operation, pgErr.Code, err)
		}
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return retry.Transient(operation, err)
	}

	return fmt.Errorf("%s: %w", operation, err)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateKey reports whether err wraps ErrDuplicateKey.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsImmutableRecord reports whether err wraps ErrImmutableRecord.
func IsImmutableRecord(err error) bool {
	return errors.Is(err, ErrImmutableRecord)
}
