package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"modledger/api/internal/moderation"
)

// Constraint names the domain cares about. They are defined in
// db/migrations/0001_moderation_schema.up.sql.
const (
	constraintActiveRestriction = "uq_user_restrictions_active"
	constraintPendingReport     = "uq_reports_pending_per_reporter"
)

// mapPgError attaches the matching moderation sentinel to a driver error so
// the service and the HTTP layer can classify it with errors.Is.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", moderation.ErrTransient, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch code := pgErr.Code; {
	case code == "23505":
		switch pgErr.ConstraintName {
		case constraintActiveRestriction:
			return fmt.Errorf("%w: %w", moderation.ErrAlreadyRestricted, err)
		case constraintPendingReport:
			return fmt.Errorf("%w: %w", moderation.ErrDuplicateReport, err)
		default:
			return fmt.Errorf("%w: %w", moderation.ErrConflict, err)
		}
	case code == "55000":
		return fmt.Errorf("%w: %w", moderation.ErrImmutable, err)
	case code == "23514", code == "22P02":
		return fmt.Errorf("%w: %w", moderation.ErrValidation, err)
	case code == "23503":
		return fmt.Errorf("%w: %w", moderation.ErrConflict, err)
	case code == "57014", code == "40001", code == "40P01", strings.HasPrefix(code, "08"):
		return fmt.Errorf("%w: %w", moderation.ErrTransient, err)
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, mapPgError(err))
}
