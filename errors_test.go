package engram

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsComparesKind(t *testing.T) {
	e1 := &Error{Kind: IntegrityError, Op: "read", Path: "a", Err: fmt.Errorf("boom")}
	e2 := &Error{Kind: IntegrityError, Op: "read", Path: "b", Err: fmt.Errorf("kaboom")}
	e3 := &Error{Kind: FormatError, Op: "open", Err: fmt.Errorf("bad magic")}

	if !errors.Is(e1, e2) {
		t.Fatal("expected two errors with the same Kind to compare equal under errors.Is")
	}
	if errors.Is(e1, e3) {
		t.Fatal("expected errors with different Kinds to compare unequal")
	}
}

func TestAsKind(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &Error{Kind: ResourceExceeded, Op: "read_at"})
	kind, ok := AsKind(wrapped)
	if !ok || kind != ResourceExceeded {
		t.Fatalf("AsKind = %v, %v; want ResourceExceeded, true", kind, ok)
	}

	if _, ok := AsKind(fmt.Errorf("unrelated")); ok {
		t.Fatal("expected ok=false for a non-Error cause")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	e := &Error{Kind: IoError, Op: "open", Err: cause}
	if !errors.Is(e, cause) {
		t.Fatal("expected Unwrap to expose the underlying cause")
	}
}
