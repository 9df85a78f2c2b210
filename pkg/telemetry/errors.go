package telemetry

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsDuplicate reports whether err is a unique violation, meaning the message
// was already stored.
func IsDuplicate(err error) bool {
	return sqlState(err) == uniqueViolation
}

// IsPermanent reports whether retrying the same message can never succeed:
// invalid payloads and data exceptions (class 22) or integrity constraint
// violations (class 23) other than duplicates.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidTelemetry) {
		return true
	}
	code := sqlState(err)
	if len(code) != 5 || code == uniqueViolation {
		return false
	}
	class := code[:2]
	return class == "22" || class == "23"
}
