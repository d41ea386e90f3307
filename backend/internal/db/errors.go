package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrEmptyInput   = errors.New("empty input")
	ErrTestFinished = errors.New("test already finished")
)

// uniqueViolation is the SQLSTATE raised when a unique constraint trips.
const uniqueViolation = "23505"

// wrapErr maps driver errors onto the store's sentinel errors so callers can
// classify with errors.Is without importing pgx.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}
