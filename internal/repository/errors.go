package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskmarket/backend/internal/apperr"
)

const uniqueViolation = "23505"

// translate maps driver errors onto the core taxonomy: missing rows become
// ErrNotFound and unique-index violations become ErrConflict.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Conflict("%s already exists (%s)", what, pgErr.ConstraintName)
	}
	return err
}
