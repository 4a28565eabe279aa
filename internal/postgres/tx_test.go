package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestParseIsolation(t *testing.T) {
	cases := map[string]pgx.TxIsoLevel{
		"serializable":    pgx.Serializable,
		" SERIALIZABLE ":  pgx.Serializable,
		"repeatable-read": pgx.RepeatableRead,
		"read_committed":  pgx.ReadCommitted,
		"bogus":           pgx.ReadCommitted,
		"":                pgx.ReadCommitted,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseIsolation(in), in)
	}
}

func TestIsConflict(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := fmt.Errorf("commit tx: %w", &pgconn.PgError{Code: code})
		assert.True(t, IsConflict(err), code)
	}
	assert.False(t, IsConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsConflict(errors.New("boom")))
	assert.False(t, IsConflict(nil))
}

func TestIsCheckViolation(t *testing.T) {
	err := &pgconn.PgError{Code: "23514", ConstraintName: "products_stock_nonnegative"}
	assert.True(t, IsCheckViolation(err, ""))
	assert.True(t, IsCheckViolation(err, "products_stock_nonnegative"))
	assert.False(t, IsCheckViolation(err, "other"))
	assert.False(t, IsCheckViolation(&pgconn.PgError{Code: "23505"}, ""))
}
