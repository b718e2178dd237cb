package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError wraps a retryable I/O fault (network blip, pool
// exhaustion, timeout). Callers retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps a schema or constraint violation. Callers shut down.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Classify converts a raw pgx/pgconn error into the storage taxonomy.
// Class 08 (connection exception) and 53 (insufficient resources), plus
// context deadline/cancellation, are transient; everything else that
// reaches the persistence layer from Postgres is treated as fatal — the
// schema is expected to already match the migration version in use.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53":
			return &TransientError{Op: op, Err: err}
		default:
			return &FatalError{Op: op, Err: err}
		}
	}
	// Context deadline/cancellation and anything else pgx didn't classify
	// as a PgError (connection refused, DNS failure, pool acquire timeout)
	// is treated as transient so the ingest worker retries it.
	return &TransientError{Op: op, Err: err}
}
