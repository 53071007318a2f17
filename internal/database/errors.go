package database

import (
	stderrors "errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// classify wraps a pgx error with the error type the task runner keys its
// retry decision on. SQLSTATE classes map as follows: 42 (syntax, undefined
// objects) is a schema error and never retried, 23 is a conflict, 08 and
// 57 are connection errors and retried. Well-known conditions are named
// in the message so log readers do not need the SQLSTATE table.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(err, errors.ErrorTypeNotFound, message)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		if name := sqlStateName(pgErr.Code); name != "" {
			message += ": " + name
		}
		return errors.Wrap(err, pgErrorType(pgErr.Code), message).
			WithDetail("sqlstate", pgErr.Code)
	}

	if pgconn.Timeout(err) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, message)
	}
	return errors.Wrap(err, errors.ErrorTypeQuery, message)
}

func pgErrorType(code string) errors.ErrorType {
	switch {
	case code == "42501":
		return errors.ErrorTypePermission
	case strings.HasPrefix(code, "28"):
		return errors.ErrorTypeAuthentication
	case strings.HasPrefix(code, "42"):
		return errors.ErrorTypeSchema
	case strings.HasPrefix(code, "23"):
		return errors.ErrorTypeConflict
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57"):
		return errors.ErrorTypeConnection
	}
	return errors.ErrorTypeQuery
}

func sqlStateName(code string) string {
	switch code {
	case "42703":
		return "UndefinedColumn"
	case "42P01":
		return "UndefinedTable"
	case "42601":
		return "SyntaxError"
	case "23505":
		return "UniqueViolation"
	}
	return ""
}
