package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
)

func TestMultipartLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	key := "resources/r1/file.txt"

	id, err := store.InitiateMultipart(ctx, key, storage.InitiateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	etag2, err := store.PutPart(ctx, key, id, 2, bytes.NewReader([]byte("world")), 5)
	if err != nil {
		t.Fatalf("put part 2: %v", err)
	}
	etag1, err := store.PutPart(ctx, key, id, 1, bytes.NewReader([]byte("hello ")), 6)
	if err != nil {
		t.Fatalf("put part 1: %v", err)
	}
	if err := store.CommitMultipart(ctx, key, id, []storage.Part{{Number: 1, ETag: etag1}, {Number: 2, ETag: etag2}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	data, ok := store.Object(key)
	if !ok || string(data) != "hello world" {
		t.Fatalf("unexpected object %q ok=%v", data, ok)
	}
	info, err := store.StatObject(ctx, key)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	d1 := md5.Sum([]byte("hello "))
	d2 := md5.Sum([]byte("world"))
	if want := storage.MultipartETag([][]byte{d1[:], d2[:]}); info.ETag != want {
		t.Fatalf("etag %q want %q", info.ETag, want)
	}
	if info.ContentType != "text/plain" || info.Size != 11 {
		t.Fatalf("unexpected info %+v", info)
	}
	if len(store.Sessions()) != 0 {
		t.Fatalf("session should be closed after commit")
	}
	if err := store.AbortMultipart(ctx, key, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("abort after commit should be not found, got %v", err)
	}
}

func TestCommitRejectsEmptyAndGaps(t *testing.T) {
	store := New()
	ctx := context.Background()
	key := "resources/r1/f"
	id, _ := store.InitiateMultipart(ctx, key, storage.InitiateOptions{})
	if err := store.CommitMultipart(ctx, key, id, nil); err == nil {
		t.Fatalf("expected empty commit to fail")
	}
	e1, _ := store.PutPart(ctx, key, id, 1, strings.NewReader("a"), 1)
	e3, _ := store.PutPart(ctx, key, id, 3, strings.NewReader("c"), 1)
	if err := store.CommitMultipart(ctx, key, id, []storage.Part{{Number: 1, ETag: e1}, {Number: 3, ETag: e3}}); err == nil {
		t.Fatalf("expected gap to fail")
	}
	if err := store.CommitMultipart(ctx, key, id, []storage.Part{{Number: 1, ETag: "bogus"}}); err == nil {
		t.Fatalf("expected etag mismatch to fail")
	}
}

func TestPutStatDeleteList(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, key := range []string{"resources/a/1", "resources/a/2", "resources/b/1"} {
		if _, err := store.PutObject(ctx, key, strings.NewReader(key), storage.PutOptions{Size: -1}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	var seen []string
	err := store.ListObjects(ctx, "resources/a/", func(info storage.ObjectInfo) error {
		seen = append(seen, info.Key)
		return store.DeleteObject(ctx, info.Key)
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(seen) != 2 || seen[0] != "resources/a/1" || seen[1] != "resources/a/2" {
		t.Fatalf("unexpected listing %v", seen)
	}
	if _, err := store.StatObject(ctx, "resources/a/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "resources/a/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if stats := store.Stats(); stats.Puts != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestFaultInjection(t *testing.T) {
	store := New()
	ctx := context.Background()
	boom := errors.New("boom")
	store.Fail(OpAbort, func(key, sessionID string) error { return boom })
	id, _ := store.InitiateMultipart(ctx, "k", storage.InitiateOptions{})
	if err := store.AbortMultipart(ctx, "k", id); !errors.Is(err, boom) {
		t.Fatalf("expected injected fault, got %v", err)
	}
	store.Fail(OpAbort, nil)
	if err := store.AbortMultipart(ctx, "k", id); err != nil {
		t.Fatalf("abort after clearing fault: %v", err)
	}
}

func TestSignURL(t *testing.T) {
	store := NewWithConfig(Config{Bucket: "bkt", BaseURL: "https://files.example/"})
	ctx := context.Background()
	raw, err := store.SignURL(ctx, "resources/r1/my file.txt", signing.Options{Expiry: time.Minute})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(raw, "https://files.example/bkt/resources/r1/my%20file.txt?expires=") || !strings.Contains(raw, "signature=") {
		t.Fatalf("unexpected url %s", raw)
	}
	if _, err := store.SignURL(ctx, "k", signing.Options{Expiry: signing.MaxExpiry + time.Second}); !errors.Is(err, signing.ErrExpiryTooLong) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}
