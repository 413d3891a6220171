package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	// ErrDatabase marks failures of the database itself. Loops treat it as fatal.
	ErrDatabase = errors.New("database error")
)

type dbError struct {
	op  string
	err error
}

func (e *dbError) Error() string        { return fmt.Sprintf("storage: %s: %v", e.op, e.err) }
func (e *dbError) Unwrap() error        { return e.err }
func (e *dbError) Is(target error) bool { return target == ErrDatabase }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &dbError{op: op, err: err}
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres" (alias "pgx"): PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an administrative action (subscribe, configure, ...).
type AuditEntry struct {
	At        time.Time
	ActorID   int64
	ChatID    int64
	ThreadID  int
	Action    string
	Target    string
	OK        bool
	Error     string
	TookMS    int64
	MetaJSON  string
}
