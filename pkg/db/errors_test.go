package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

func TestUniqueConstraintOnlyMatchesUniqueViolations(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unique code", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, true},
		{"primary key code", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, true},
		{"check code", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}, false},
		{"not null code", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}, false},
		{"unique message", errors.New("UNIQUE constraint failed: canonical_documents.content_hash"), true},
		{"check message", errors.New("CHECK constraint failed: overlap_ratio >= 0"), false},
		{"foreign key message", errors.New("FOREIGN KEY constraint failed"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := isUniqueConstraintErr(tc.err); got != tc.want {
			t.Fatalf("%s: isUniqueConstraintErr = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCheckViolationIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	conn := setupTestDB(t)
	id, err := InsertCanonical(ctx, conn, newDoc("h1", "text", 0.5), newSource("s", "1"), nil, Audit{})
	if err != nil {
		t.Fatalf("insert canonical: %v", err)
	}

	_, err = insertGroup(ctx, conn, id, DetectionMethod("bogus"), 0.9, nil, time.Now().UTC())
	if err == nil {
		t.Fatal("expected CHECK constraint failure")
	}
	if isUniqueConstraintErr(err) {
		t.Fatalf("CHECK failure classified as unique violation: %v", err)
	}
	if isUniqueConstraintErr(fmt.Errorf("wrapped: %s", err.Error())) {
		t.Fatalf("CHECK failure message classified as unique violation: %v", err)
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		t.Fatalf("CHECK failure surfaced as conflict: %v", err)
	}
}
