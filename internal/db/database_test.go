package db

import (
	"database/sql"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/bryankemp/network-scanner/internal/errors"
)

func TestSanitizeDBError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, sanitizeDBError("op", nil))
	})

	t.Run("sql.ErrNoRows maps to not found", func(t *testing.T) {
		err := sanitizeDBError("get scan", sql.ErrNoRows)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("unique_violation maps to conflict", func(t *testing.T) {
		err := sanitizeDBError("create user", &pq.Error{Code: "23505"})
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("foreign_key_violation maps to validation", func(t *testing.T) {
		err := sanitizeDBError("create host", &pq.Error{Code: "23503"})
		assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
	})

	t.Run("connection errors map to database connection", func(t *testing.T) {
		err := sanitizeDBError("connect", &pq.Error{Code: "08006"})
		assert.Equal(t, errors.CodeDatabaseConnection, errors.GetCode(err))
	})

	t.Run("unknown pq error maps to generic database query error", func(t *testing.T) {
		err := sanitizeDBError("query", &pq.Error{Code: "99999"})
		assert.Equal(t, errors.CodeDatabaseQuery, errors.GetCode(err))
	})

	t.Run("generic error preserves cause", func(t *testing.T) {
		cause := assert.AnError
		err := sanitizeDBError("op", cause)
		dbErr, ok := err.(*errors.DatabaseError)
		assert.True(t, ok)
		assert.Equal(t, cause, dbErr.Cause)
		assert.Equal(t, "op", dbErr.Operation)
	})
}
