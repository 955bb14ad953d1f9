package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSchemaMismatch indicates the database was created by a different schema version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
	// ErrWriterLocked is returned when another process holds the writer lock.
	ErrWriterLocked = errors.New("store is locked by another writer")
)

// ErrorClassifier lets errors declare the kind recorded in the audit log.
type ErrorClassifier interface {
	ErrorKind() string
}

// ErrorKind returns the classification of err, or "internal" when err does
// not declare one.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "internal"
}

// ConflictError reports an insert for a content hash that already has a
// canonical document. It usually means another writer won a race; callers
// re-classify the document as an exact attach.
type ConflictError struct {
	ContentHash string
	ExistingID  int64
}

func (e *ConflictError) Error() string {
	if e.ExistingID > 0 {
		return fmt.Sprintf("content hash %s already belongs to canonical document %d", e.ContentHash, e.ExistingID)
	}
	return fmt.Sprintf("content hash %s already exists", e.ContentHash)
}

func (e *ConflictError) ErrorKind() string { return "conflict" }

// CorruptRecordError reports a store invariant violation found on read. It is
// never patched silently.
type CorruptRecordError struct {
	Table  string
	ID     int64
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt %s record %d: %s", e.Table, e.ID, e.Reason)
}

func (e *CorruptRecordError) ErrorKind() string { return "corrupt_record" }

// isUniqueConstraintErr returns true when the error is a unique or primary
// key violation. CHECK, NOT NULL and foreign key failures are not.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsBusy reports whether err is SQLite's busy/locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
