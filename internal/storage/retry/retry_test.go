package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/cloudstorage/internal/storage/retry"
	"pkt.systems/pslog"
)

type stubDriver struct {
	statErrs  []error
	statCalls int
	hook      func(int)

	putErrs   []error
	putCalls  int
	putBodies []string

	listErrs  []error
	listCalls int
}

func nextErr(errs []error, call int) error {
	if idx := call - 1; idx < len(errs) {
		return errs[idx]
	}
	return nil
}

func (s *stubDriver) InitiateMultipart(context.Context, string, storage.InitiateOptions) (string, error) {
	return "", storage.ErrNotImplemented
}

func (s *stubDriver) PutPart(_ context.Context, _ string, _ string, _ int, body io.Reader, _ int64) (string, error) {
	if _, err := s.PutObject(context.Background(), "", body, storage.PutOptions{}); err != nil {
		return "", err
	}
	return `"etag"`, nil
}

func (s *stubDriver) CommitMultipart(context.Context, string, string, []storage.Part) error {
	return storage.ErrNotImplemented
}

func (s *stubDriver) AbortMultipart(context.Context, string, string) error {
	return storage.ErrNotImplemented
}

func (s *stubDriver) StatObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	s.statCalls++
	if s.hook != nil {
		s.hook(s.statCalls)
	}
	if err := nextErr(s.statErrs, s.statCalls); err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{Key: key, Size: int64(s.statCalls)}, nil
}

func (s *stubDriver) ListObjects(_ context.Context, prefix string, visit func(storage.ObjectInfo) error) error {
	s.listCalls++
	if err := visit(storage.ObjectInfo{Key: prefix + "a"}); err != nil {
		return err
	}
	return nextErr(s.listErrs, s.listCalls)
}

func (s *stubDriver) PutObject(_ context.Context, key string, body io.Reader, _ storage.PutOptions) (*storage.ObjectInfo, error) {
	s.putCalls++
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.putBodies = append(s.putBodies, string(data))
	if err := nextErr(s.putErrs, s.putCalls); err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *stubDriver) DeleteObject(context.Context, string) error { return nil }

func (s *stubDriver) PublicURL(key string) (string, error) { return "https://stub/" + key, nil }

func (s *stubDriver) SignURL(context.Context, string, signing.Options) (string, error) {
	return "", storage.ErrNotImplemented
}

func (s *stubDriver) Close() error { return nil }

func newClock() *clock.Manual {
	return clock.NewManual(time.Unix(0, 0))
}

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), newClock(), retry.Config{}) != nil {
		t.Fatal("expected nil driver when inner is nil")
	}
}

func TestStatRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	back := &stubDriver{statErrs: []error{
		storage.NewTransientError(errors.New("temporary")),
		storage.NewTransientError(errors.New("temporary")),
		nil,
	}}
	clk := newClock()
	wrapped := retry.Wrap(back, pslog.NoopLogger(), clk, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    10 * time.Millisecond,
	})
	info, err := wrapped.StatObject(context.Background(), "k")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size != 3 || back.statCalls != 3 {
		t.Fatalf("unexpected attempts %d (info %+v)", back.statCalls, info)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 5*time.Millisecond || sleeps[1] != 10*time.Millisecond {
		t.Fatalf("unexpected backoff %v", sleeps)
	}
}

func TestStatStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	back := &stubDriver{statErrs: []error{storage.ErrNotFound, nil}}
	clk := newClock()
	wrapped := retry.Wrap(back, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 3})
	if _, err := wrapped.StatObject(context.Background(), "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if back.statCalls != 1 || len(clk.Sleeps()) != 0 {
		t.Fatalf("expected one attempt and no sleeps, got %d/%v", back.statCalls, clk.Sleeps())
	}
}

func TestStatRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	back := &stubDriver{
		statErrs: []error{
			storage.NewTransientError(errors.New("flaky")),
			storage.NewTransientError(errors.New("flaky")),
		},
		hook: func(attempt int) {
			if attempt == 1 {
				cancel()
			}
		},
	}
	clk := newClock()
	wrapped := retry.Wrap(back, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 5})
	if _, err := wrapped.StatObject(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if back.statCalls != 1 || len(clk.Sleeps()) != 0 {
		t.Fatalf("expected single attempt, got %d", back.statCalls)
	}
}

func TestReplayableBodies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		body      func() io.Reader
		wantCalls int
		wantErr   error
	}{
		{name: "seekable", body: func() io.Reader { return bytes.NewReader([]byte("payload")) }, wantCalls: 2},
		{name: "stream", body: func() io.Reader { return bytes.NewBufferString("payload") }, wantCalls: 1, wantErr: retry.ErrNonReplayableBody},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			back := &stubDriver{putErrs: []error{storage.NewTransientError(errors.New("temporary")), nil}}
			wrapped := retry.Wrap(back, pslog.NoopLogger(), newClock(), retry.Config{MaxAttempts: 3})
			_, err := wrapped.PutObject(context.Background(), "obj", tc.body(), storage.PutOptions{})
			if tc.wantErr == nil && err != nil {
				t.Fatalf("put: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if back.putCalls != tc.wantCalls {
				t.Fatalf("expected %d calls, got %d", tc.wantCalls, back.putCalls)
			}
			for _, got := range back.putBodies {
				if got != "payload" {
					t.Fatalf("body not replayed intact: %q", back.putBodies)
				}
			}
		})
	}
}

func TestPutPartReplaysSeekableBody(t *testing.T) {
	t.Parallel()

	back := &stubDriver{putErrs: []error{storage.NewTransientError(errors.New("temporary")), nil}}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), newClock(), retry.Config{MaxAttempts: 2})
	if _, err := wrapped.PutPart(context.Background(), "k", "s", 1, bytes.NewReader([]byte("chunk")), 5); err != nil {
		t.Fatalf("put part: %v", err)
	}
	if len(back.putBodies) != 2 || back.putBodies[1] != "chunk" {
		t.Fatalf("unexpected bodies %q", back.putBodies)
	}
}

func TestListNotRetriedAfterVisit(t *testing.T) {
	t.Parallel()

	back := &stubDriver{listErrs: []error{storage.NewTransientError(errors.New("reset")), nil}}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), newClock(), retry.Config{MaxAttempts: 3})
	var seen int
	err := wrapped.ListObjects(context.Background(), "p/", func(storage.ObjectInfo) error {
		seen++
		return nil
	})
	if err == nil || storage.IsTransient(err) {
		t.Fatalf("expected final error, got %v", err)
	}
	if back.listCalls != 1 || seen != 1 {
		t.Fatalf("expected one listing, got %d calls %d visits", back.listCalls, seen)
	}
}

func TestOptionalCapabilities(t *testing.T) {
	t.Parallel()

	wrapped := retry.Wrap(&stubDriver{}, nil, nil, retry.Config{})
	if err := wrapped.(storage.CORSConfigurer).SetCORS(context.Background(), []string{"*"}); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if got := wrapped.(storage.Describer).Provider(); got != "unknown" {
		t.Fatalf("unexpected provider %q", got)
	}
	if storage.OverwritesOnCommit(wrapped) {
		t.Fatalf("stub driver does not overwrite on commit")
	}
	if !storage.OverwritesOnCommit(retry.Wrap(overwritingDriver{&stubDriver{}}, nil, nil, retry.Config{})) {
		t.Fatalf("expected overwrite capability to pass through")
	}
}

type overwritingDriver struct {
	*stubDriver
}

func (overwritingDriver) OverwritesOnCommit() bool { return true }
