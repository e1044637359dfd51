package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isUniqueViolation matches unique_violation (23505).
func isUniqueViolation(err error) bool { return pgCode(err) == "23505" }

// isDuplicateObject matches duplicate_object/duplicate_table, raised when a
// concurrent replica already created the partition child.
func isDuplicateObject(err error) bool {
	c := pgCode(err)
	return c == "42710" || c == "42P07"
}

// isForeignKeyViolation matches foreign_key_violation (23503).
func isForeignKeyViolation(err error) bool { return pgCode(err) == "23503" }
