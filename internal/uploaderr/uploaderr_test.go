package uploaderr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := NewValidation("upload_part", "upload failed: part 3", errors.New("boom")).WithPart(3).WithSession("u-1")
	wrapped := fmt.Errorf("action: %w", base)
	kind, ok := KindOf(wrapped)
	if !ok || kind != Validation {
		t.Fatalf("expected validation kind, got %v ok=%v", kind, ok)
	}
	if !Is(wrapped, Validation) || Is(wrapped, NotFound) {
		t.Fatalf("Is mismatch")
	}
	if Message(wrapped) != "upload failed: part 3" {
		t.Fatalf("unexpected message %q", Message(wrapped))
	}
	text := base.Error()
	for _, want := range []string{"upload_part", "validation", "part=3", "upload=u-1", "boom"} {
		if !strings.Contains(text, want) {
			t.Fatalf("error text %q missing %q", text, want)
		}
	}
}

func TestKindOfForeignError(t *testing.T) {
	kind, ok := KindOf(errors.New("plain"))
	if ok || kind != Remote {
		t.Fatalf("foreign errors should classify as remote, got %v ok=%v", kind, ok)
	}
	if Message(nil) != "" {
		t.Fatalf("nil message should be empty")
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		NotFound:   "not_found",
		Validation: "validation",
		Remote:     "remote",
		Conflict:   "conflict",
		Kind(99):   "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("kind %d: got %q want %q", kind, got, want)
		}
	}
}
