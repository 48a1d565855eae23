package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/loykin/stepsync/internal/steps"
)

// TransportError means the table could not be reached.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// QueryError means the table rejected a malformed request.
type QueryError struct{ Err error }

func (e *QueryError) Error() string { return e.Err.Error() }
func (e *QueryError) Unwrap() error { return e.Err }

// ConstraintError means the table refused a value, e.g. out of range.
type ConstraintError struct{ Err error }

func (e *ConstraintError) Error() string { return e.Err.Error() }
func (e *ConstraintError) Unwrap() error { return e.Err }

// Kind names the class of a classified error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConstraint Kind = "constraint"
	KindQuery      Kind = "query"
	KindTransport  Kind = "transport"
)

// KindOf reports the class of err; unknown errors count as query errors.
func KindOf(err error) Kind {
	var (
		ve *steps.ValidationError
		te *TransportError
		ce *ConstraintError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &te):
		return KindTransport
	case errors.As(err, &ce):
		return KindConstraint
	default:
		return KindQuery
	}
}

// Classify wraps a driver error into TransportError, QueryError or
// ConstraintError. nil and already classified errors are returned as is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		te *TransportError
		qe *QueryError
		ce *ConstraintError
	)
	if errors.As(err, &te) || errors.As(err, &qe) || errors.As(err, &ce) {
		return err
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_RANGE, sqlite3.SQLITE_MISMATCH:
			return &ConstraintError{Err: err}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY:
			return &TransportError{Err: err}
		default:
			return &QueryError{Err: err}
		}
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch {
		case pgerrcode.IsIntegrityConstraintViolation(pe.Code),
			pe.Code == pgerrcode.NumericValueOutOfRange:
			return &ConstraintError{Err: err}
		case pgerrcode.IsConnectionException(pe.Code),
			pgerrcode.IsInsufficientResources(pe.Code),
			pgerrcode.IsOperatorIntervention(pe.Code):
			return &TransportError{Err: err}
		default:
			return &QueryError{Err: err}
		}
	}

	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if errors.As(err, &connErr) || errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return &TransportError{Err: err}
	}
	return &QueryError{Err: err}
}
