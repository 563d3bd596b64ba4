package deltaerrors

import (
	"errors"
	"testing"
)

func TestFatalWrapsAndUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := Fatal("CreateTable", "orders", "DLT_X_001", base)

	if !IsFatal(err) {
		t.Fatalf("expected Fatal() to produce an error IsFatal reports true for")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected the fatal error to unwrap to the base error")
	}
}

func TestIsFatalFalseForPlainError(t *testing.T) {
	if IsFatal(errors.New("plain")) {
		t.Fatalf("expected a plain error to not be fatal")
	}
	if IsFatal(nil) {
		t.Fatalf("expected nil to not be fatal")
	}
}

func TestFatalfMessage(t *testing.T) {
	err := Fatalf("AlterTable", "orders", "DLT_X_002", "primary key %q is empty", "id")
	if err.Error() == "" {
		t.Fatalf("expected a non-empty error message")
	}
	if !IsFatal(err) {
		t.Fatalf("expected Fatalf() to produce a fatal error")
	}
}

func TestConflict(t *testing.T) {
	err := &Conflict{Loc: "DLT_X_003", Err: errors.New("already exists")}
	if !IsConflict(err) {
		t.Fatalf("expected IsConflict to report true for a Conflict")
	}
	if IsConflict(errors.New("plain")) {
		t.Fatalf("expected a plain error to not be a conflict")
	}
}
