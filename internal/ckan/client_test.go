package ckan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/cloudstorage/internal/resources"
)

type fakeCKAN struct {
	mu       sync.Mutex
	calls    []string
	payloads map[string]map[string]any
	failures int
}

func (f *fakeCKAN) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, actionPath)
	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)

	f.mu.Lock()
	f.calls = append(f.calls, action)
	f.payloads[action] = payload
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.Header.Get("Authorization") != "secret" {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success":false,"error":{"__type":"Authorization Error","message":"Access denied"}}`))
		return
	}
	switch action {
	case "resource_show":
		if payload["id"] != "r1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":{"__type":"Not Found Error","message":"Resource was not found."}}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"result":{"id":"r1","package_id":"p1","name":"data","url":"data.csv","url_type":"upload"}}`))
	case "package_show":
		_, _ = w.Write([]byte(`{"success":true,"result":{"id":"p1","name":"dataset","state":"draft"}}`))
	case "package_patch":
		_, _ = w.Write([]byte(`{"success":true,"result":{"id":"p1","state":"active"}}`))
	case "resource_search":
		_, _ = w.Write([]byte(`{"success":true,"result":{"count":2,"results":[
			{"id":"r1","url":"https://host/resources/r1/data.csv"},
			{"id":"r7","url":"https://host/resources/r1/data.csv.bak"}]}}`))
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":{"__type":"Validation Error","message":"unknown action"}}`))
	}
}

func newTestClient(t *testing.T, token string) (*Client, *fakeCKAN) {
	t.Helper()
	fake := &fakeCKAN{payloads: make(map[string]map[string]any)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", APIToken: token, HTTPClient: srv.Client(), RetryMax: 2})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.http.RetryWaitMin = 0
	c.http.RetryWaitMax = 0
	return c, fake
}

func TestResourceAndPackage(t *testing.T) {
	c, _ := newTestClient(t, "secret")
	ctx := context.Background()
	r, err := c.Resource(ctx, "r1")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if r.PackageID != "p1" || !r.IsUpload() || r.URL != "data.csv" {
		t.Fatalf("unexpected resource %+v", r)
	}
	pkg, err := c.Package(ctx, r.PackageID)
	if err != nil || pkg.State != resources.StateDraft || pkg.Name != "dataset" {
		t.Fatalf("unexpected package %+v %v", pkg, err)
	}
	if _, err := c.Resource(ctx, "missing"); !errors.Is(err, resources.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActivatePackage(t *testing.T) {
	c, fake := newTestClient(t, "secret")
	if err := c.ActivatePackage(context.Background(), "p1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got := fake.payloads["package_patch"]
	if got["id"] != "p1" || got["state"] != "active" {
		t.Fatalf("unexpected patch payload %v", got)
	}
}

func TestObjectReferenced(t *testing.T) {
	c, fake := newTestClient(t, "secret")
	ctx := context.Background()
	ref, err := c.ObjectReferenced(ctx, "resources/r1/data.csv", "r1")
	if err != nil || ref {
		t.Fatalf("only the owner and a lookalike reference the key: %v %v", ref, err)
	}
	if q := fake.payloads["resource_search"]["query"]; q != "url:resources/r1/data.csv" {
		t.Fatalf("unexpected query %v", q)
	}
	ref, err = c.ObjectReferenced(ctx, "resources/r1/data.csv", "r9")
	if err != nil || !ref {
		t.Fatalf("expected reference from r1: %v %v", ref, err)
	}
}

func TestActionErrors(t *testing.T) {
	c, _ := newTestClient(t, "wrong")
	err := c.ActivatePackage(context.Background(), "p1")
	if !errors.Is(err, ErrActionFailed) || !strings.Contains(err.Error(), "Access denied") {
		t.Fatalf("expected action failure, got %v", err)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	c, fake := newTestClient(t, "secret")
	fake.failures = 2
	if _, err := c.Package(context.Background(), "p1"); err != nil {
		t.Fatalf("package after retries: %v", err)
	}
	if len(fake.calls) != 3 {
		t.Fatalf("expected three attempts, got %d", len(fake.calls))
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, base := range []string{"", "  ", "not a url", "/relative"} {
		if _, err := New(Config{BaseURL: base}); err == nil {
			t.Fatalf("%q: expected error", base)
		}
	}
}
