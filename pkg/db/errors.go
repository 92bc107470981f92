package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique constraint violation from either
// sqlite or Postgres. When constraintName is provided the constraint (or, for sqlite,
// the column list) must also appear in the error.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}

	matched := false
	detail := err.Error()
	var sqliteErr sqlite3.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &sqliteErr):
		matched = sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	case errors.As(err, &pgErr):
		matched = pgErr.Code == pgUniqueViolation
		detail = pgErr.ConstraintName + " " + detail
	default:
		msg := err.Error()
		matched = strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
	}
	if !matched {
		return false
	}
	if constraintName != "" {
		return strings.Contains(detail, constraintName)
	}
	return true
}
