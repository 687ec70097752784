package postgres

import (
	"errors"
	"fmt"

	"github.com/crowsandbox/crow/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// classify maps driver errors onto the store error taxonomy. Anything the
// server did not answer (dial, pool, timeout) is ErrStoreUnavailable.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("crow/postgres: %s: %w", op, domain.ErrNotFound)
	case isDuplicateKey(err):
		return fmt.Errorf("crow/postgres: %s: %w", op, domain.ErrAlreadyExists)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		return err
	case errors.As(err, &pgErr):
		return fmt.Errorf("crow/postgres: %s: %w", op, err)
	}
	return fmt.Errorf("crow/postgres: %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
