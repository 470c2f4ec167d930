package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"abc-123", "abc-123", true},
		{"  xyz  ", "xyz", true},
		{"", "", false},
		{strings.Repeat("a", MaxIDLength+1), "", false},
		{"bad\x01suffix", "", false},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Normalize(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSetAndID(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatalf("expected empty context to have no correlation id")
	}
	if ID(Set(ctx, "")) != "" {
		t.Fatalf("expected invalid set to be ignored")
	}
	if got := ID(Set(ctx, "foo")); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(Header, "caller-id")
	if got := FromRequest(req); got != "caller-id" {
		t.Fatalf("expected caller id, got %q", got)
	}
	req.Header.Set(Header, "bad\x02")
	id := FromRequest(req)
	if id == "bad\x02" || id == "" {
		t.Fatalf("expected generated id, got %q", id)
	}
	if _, ok := Normalize(Generate()); !ok {
		t.Fatalf("generated id should be valid")
	}
}
