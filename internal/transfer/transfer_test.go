package transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/cloudstorage/internal/storage/memory"
	"pkt.systems/cloudstorage/internal/uploaderr"
)

func newManager(t *testing.T, cfg Config) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	cfg.Driver = store
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, store
}

func TestUploadSkipsIdenticalContent(t *testing.T) {
	m, store := newManager(t, Config{GuessMimetype: true})
	ctx := context.Background()
	payload := []byte(`{"id":1,"name":"alpha"}`)

	first, err := m.Upload(ctx, "r1", "Data.JSON", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if first.Skipped || first.Key != "resources/r1/data.json" {
		t.Fatalf("unexpected first result %+v", first)
	}
	before := store.Stats()

	second, err := m.Upload(ctx, "r1", "data.json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("identical content should be skipped")
	}
	after := store.Stats()
	if after.Puts != before.Puts || after.BytesUploaded != before.BytesUploaded {
		t.Fatalf("expected zero transfer, stats went from %+v to %+v", before, after)
	}
	info, err := store.StatObject(ctx, first.Key)
	if err != nil || info.ContentType != "application/json" {
		t.Fatalf("unexpected stored info %+v %v", info, err)
	}
}

func TestUploadSkipsMultipartFingerprint(t *testing.T) {
	m, store := newManager(t, Config{})
	ctx := context.Background()
	payload := bytes.Repeat([]byte{'z'}, FingerprintBlockSize+17)
	key := "resources/r1/big.bin"

	id, err := store.InitiateMultipart(ctx, key, storage.InitiateOptions{})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	chunks := [][]byte{payload[:FingerprintBlockSize], payload[FingerprintBlockSize:]}
	parts := make([]storage.Part, 0, len(chunks))
	for i, chunk := range chunks {
		etag, err := store.PutPart(ctx, key, id, i+1, bytes.NewReader(chunk), int64(len(chunk)))
		if err != nil {
			t.Fatalf("part %d: %v", i+1, err)
		}
		parts = append(parts, storage.Part{Number: i + 1, ETag: etag})
	}
	if err := store.CommitMultipart(ctx, key, id, parts); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, err := m.Upload(ctx, "r1", "big.bin", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !res.Skipped || store.Stats().Puts != 0 {
		t.Fatalf("multipart object with same content should be skipped: %+v %+v", res, store.Stats())
	}
}

func TestUploadReplacesChangedContent(t *testing.T) {
	m, store := newManager(t, Config{})
	ctx := context.Background()
	for _, body := range []string{"aaaa", "bbbb", "ccccc"} {
		res, err := m.Upload(ctx, "r1", "f.txt", strings.NewReader(body))
		if err != nil {
			t.Fatalf("upload %q: %v", body, err)
		}
		if res.Skipped {
			t.Fatalf("%q should have been transferred", body)
		}
	}
	if got, _ := store.Object("resources/r1/f.txt"); string(got) != "ccccc" {
		t.Fatalf("unexpected object %q", got)
	}
	if store.Stats().Puts != 3 {
		t.Fatalf("expected three puts, got %d", store.Stats().Puts)
	}
}

func TestUploadErrors(t *testing.T) {
	m, store := newManager(t, Config{})
	ctx := context.Background()
	if _, err := m.Upload(ctx, "r1", "f.txt", nil); !errors.Is(err, ErrSourceMissing) || !uploaderr.Is(err, uploaderr.Validation) {
		t.Fatalf("expected source missing, got %v", err)
	}
	store.Fail(memory.OpPut, func(string, string) error { return errors.New("quota exceeded") })
	_, err := m.Upload(ctx, "r1", "f.txt", strings.NewReader("x"))
	if !errors.Is(err, ErrUploadFailed) || !uploaderr.Is(err, uploaderr.Remote) {
		t.Fatalf("expected upload failure, got %v", err)
	}
	store.Fail(memory.OpStat, func(string, string) error { return errors.New("auth") })
	if _, err := m.Upload(ctx, "r1", "f.txt", strings.NewReader("x")); !uploaderr.Is(err, uploaderr.Remote) {
		t.Fatalf("expected remote error from stat, got %v", err)
	}
}

func TestFingerprints(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		blocks int
	}{
		{name: "empty", size: 0, blocks: 0},
		{name: "small", size: 10, blocks: 1},
		{name: "exact", size: FingerprintBlockSize, blocks: 1},
		{name: "spill", size: 2*FingerprintBlockSize + 1, blocks: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{'q'}, tt.size)
			r := bytes.NewReader(payload)
			plain, multi, err := Fingerprints(r)
			if err != nil {
				t.Fatalf("fingerprints: %v", err)
			}
			sum := md5.Sum(payload)
			if plain != hex.EncodeToString(sum[:]) {
				t.Fatalf("plain md5 mismatch")
			}
			var digests [][]byte
			for off := 0; off < len(payload); off += FingerprintBlockSize {
				end := min(off+FingerprintBlockSize, len(payload))
				d := md5.Sum(payload[off:end])
				digests = append(digests, d[:])
			}
			if len(digests) != tt.blocks || multi != storage.MultipartETag(digests) {
				t.Fatalf("multipart fingerprint mismatch: %s", multi)
			}
			if r.Len() != len(payload) {
				t.Fatalf("reader not rewound")
			}
		})
	}
}

func TestURL(t *testing.T) {
	ctx := context.Background()
	public, store := newManager(t, Config{})
	if u, ok, err := public.URL(ctx, "r1", "f.txt", ""); err != nil || ok || u != "" {
		t.Fatalf("absent object: %q %v %v", u, ok, err)
	}
	if _, err := store.PutObject(ctx, "resources/r1/f.txt", strings.NewReader("x"), storage.PutOptions{Size: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	u, ok, err := public.URL(ctx, "r1", "f.txt", "")
	if err != nil || !ok || u != "http://memory.invalid/memory/resources/r1/f.txt" {
		t.Fatalf("public url: %q %v %v", u, ok, err)
	}

	secure, _ := newManager(t, Config{UseSecureURLs: true, SignedURLExpiry: 10 * time.Minute})
	u, ok, err = secure.URL(ctx, "r1", "f.txt", "text/plain")
	if err != nil || !ok || !strings.Contains(u, "signature=") {
		t.Fatalf("signed url: %q %v %v", u, ok, err)
	}
}

func TestNewRejectsLongExpiry(t *testing.T) {
	_, err := New(Config{Driver: memory.New(), SignedURLExpiry: signing.MaxExpiry + time.Second})
	if !errors.Is(err, signing.ErrExpiryTooLong) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t, Config{})
	for _, key := range []string{"resources/r1/a.txt", "resources/r1/b.txt", "resources/r2/c.txt"} {
		if _, err := store.PutObject(ctx, key, strings.NewReader("x"), storage.PutOptions{Size: 1}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := m.DeleteIfExists(ctx, "r1", "missing.txt"); err != nil {
		t.Fatalf("missing delete should be ignored: %v", err)
	}
	deleted, err := m.PurgeResource(ctx, "r1", "a.txt")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != "resources/r1/a.txt" || deleted[1] != "resources/r1/b.txt" {
		t.Fatalf("unexpected purge %v", deleted)
	}
	if _, ok := store.Object("resources/r2/c.txt"); !ok {
		t.Fatalf("other owner object must survive")
	}

	keep, keepStore := newManager(t, Config{LeaveFiles: true})
	if _, err := keepStore.PutObject(ctx, "resources/r1/a.txt", strings.NewReader("x"), storage.PutOptions{Size: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := keep.DeleteIfExists(ctx, "r1", "a.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted, err := keep.PurgeResource(ctx, "r1", "a.txt"); err != nil || len(deleted) != 0 {
		t.Fatalf("purge with leave files: %v %v", deleted, err)
	}
	if _, ok := keepStore.Object("resources/r1/a.txt"); !ok {
		t.Fatalf("leave files must keep the object")
	}
}

func TestInvalidOwnerIsRejected(t *testing.T) {
	ctx := context.Background()
	m, store := newManager(t, Config{})
	if _, err := store.PutObject(ctx, "etc/passwd", strings.NewReader("x"), storage.PutOptions{Size: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, owner := range []string{"", ".", "..", "../etc", "a/../b", `a\b`} {
		if _, err := m.Upload(ctx, owner, "passwd", strings.NewReader("y")); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("upload %q: expected validation error, got %v", owner, err)
		}
		if _, _, err := m.URL(ctx, owner, "passwd", ""); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("url %q: expected validation error, got %v", owner, err)
		}
		if err := m.DeleteIfExists(ctx, owner, "passwd"); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("delete %q: expected validation error, got %v", owner, err)
		}
		if _, err := m.PurgeResource(ctx, owner, "passwd"); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("purge %q: expected validation error, got %v", owner, err)
		}
	}
	if got, ok := store.Object("etc/passwd"); !ok || string(got) != "x" {
		t.Fatalf("object outside the resource root changed: %q %v", got, ok)
	}
}
