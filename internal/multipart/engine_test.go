package multipart

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/ledger"
	"pkt.systems/cloudstorage/internal/objectkey"
	"pkt.systems/cloudstorage/internal/resources"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/cloudstorage/internal/storage/memory"
	"pkt.systems/cloudstorage/internal/uploaderr"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	store  *memory.Store
	ledger *ledger.Store
	model  *resources.Memory
	clock  *clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lg, err := ledger.Open(context.Background(), ledger.MemoryDSN, nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = lg.Close() })
	clk := clock.NewManual(start)
	h := &harness{
		store:  memory.NewWithConfig(memory.Config{Clock: clk}),
		ledger: lg,
		model:  resources.NewMemory(),
		clock:  clk,
	}
	h.engine, err = New(Config{Driver: h.store, Ledger: lg, Model: h.model, Clock: clk, GuessMimetype: true})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return h
}

func (h *harness) initiate(t *testing.T, owner, filename string, size int64) Upload {
	t.Helper()
	res, err := h.engine.Initiate(context.Background(), InitiateRequest{Owner: owner, Filename: filename, Size: size})
	if err != nil {
		t.Fatalf("initiate %s/%s: %v", owner, filename, err)
	}
	return res.Upload
}

func (h *harness) upload(t *testing.T, id string, n int, payload []byte) string {
	t.Helper()
	res, err := h.engine.UploadPart(context.Background(), id, n, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("upload part %d: %v", n, err)
	}
	return res.ETag
}

// seed opens a remote session and records it directly, bypassing Initiate's
// replacement rules.
func (h *harness) seed(t *testing.T, owner, filename string, initiated time.Time) ledger.Session {
	t.Helper()
	ctx := context.Background()
	key := objectkey.Path(owner, filename)
	id, err := h.store.InitiateMultipart(ctx, key, storage.InitiateOptions{})
	if err != nil {
		t.Fatalf("seed initiate: %v", err)
	}
	sess := ledger.Session{ID: id, OwnerID: owner, Key: key, OriginalName: filename, Initiated: initiated}
	if err := h.ledger.CreateSession(ctx, sess); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	return sess
}

func TestUploadFinishAndResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const mb = 1 << 20
	up := h.initiate(t, "r1", "file.txt", 10*mb)
	if up.Name != "resources/r1/file.txt" || up.ResourceID != "r1" || up.Size != 10*mb || !up.Initiated.Equal(start) {
		t.Fatalf("unexpected upload %+v", up)
	}
	first := bytes.Repeat([]byte("a"), 5*mb)
	second := bytes.Repeat([]byte("b"), 5*mb)
	h.upload(t, up.ID, 1, first)
	h.upload(t, up.ID, 2, second)

	status, err := h.engine.Check(ctx, "r1")
	if err != nil || status == nil || status.Parts != 2 || status.ID != up.ID {
		t.Fatalf("check before finish: %+v %v", status, err)
	}

	res, err := h.engine.Finish(ctx, FinishRequest{SessionID: up.ID})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !res.Commited || res.Parts != 2 || res.Key != up.Name {
		t.Fatalf("unexpected finish result %+v", res)
	}
	status, err = h.engine.Check(ctx, "r1")
	if err != nil || status != nil {
		t.Fatalf("check after finish should be absent: %+v %v", status, err)
	}
	got, ok := h.store.Object(objectkey.Path("r1", "file.txt"))
	if !ok || !bytes.Equal(got, append(append([]byte(nil), first...), second...)) {
		t.Fatalf("assembled object mismatch (present=%v, len=%d)", ok, len(got))
	}
	signed, err := h.store.SignURL(ctx, up.Name, signing.Options{})
	if err != nil || !strings.Contains(signed, "file.txt") {
		t.Fatalf("sign: %q %v", signed, err)
	}
}

func TestInitiateReplacesSessionForKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.initiate(t, "r1", "File.TXT", 3)
	next := h.initiate(t, "r1", "file.txt", 3)
	if old.ID == next.ID {
		t.Fatalf("expected a fresh session id")
	}
	if sessions := h.store.Sessions(); len(sessions) != 1 || sessions[0] != next.ID {
		t.Fatalf("expected only the new remote session, got %v", sessions)
	}
	owned, err := h.ledger.SessionsByOwner(ctx, "r1")
	if err != nil || len(owned) != 1 || owned[0].ID != next.ID {
		t.Fatalf("expected one ledger session, got %v %v", owned, err)
	}
	_, err = h.engine.UploadPart(ctx, old.ID, 1, strings.NewReader("abc"), 3)
	if !uploaderr.Is(err, uploaderr.NotFound) {
		t.Fatalf("old session upload should be not found, got %v", err)
	}
	h.upload(t, next.ID, 1, []byte("abc"))
}

func TestInitiateDiscardsOtherOwnerSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initiate(t, "r1", "a.csv", 1)
	b := h.initiate(t, "r1", "b.csv", 1)
	owned, err := h.ledger.SessionsByOwner(ctx, "r1")
	if err != nil || len(owned) != 1 || owned[0].ID != b.ID {
		t.Fatalf("expected only b.csv session, got %v %v", owned, err)
	}
}

func TestInitiateCleansUnreferencedObjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, key := range []string{"resources/r1/old.csv", "resources/r1/shared.csv", "resources/r10/other.csv"} {
		if _, err := h.store.PutObject(ctx, key, strings.NewReader("x"), storage.PutOptions{Size: 1}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	h.model.PutResource(resources.Resource{ID: "r9", URL: "http://example.test/resources/r1/shared.csv"})

	res, err := h.engine.Initiate(ctx, InitiateRequest{Owner: "r1", Filename: "new.csv", Size: 1})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if len(res.Cleanup.Deleted) != 1 || res.Cleanup.Deleted[0] != "resources/r1/old.csv" {
		t.Fatalf("unexpected deletions %v", res.Cleanup.Deleted)
	}
	if len(res.Cleanup.Skipped) != 1 || res.Cleanup.Skipped[0] != "resources/r1/shared.csv" {
		t.Fatalf("unexpected skips %v", res.Cleanup.Skipped)
	}
	if _, ok := h.store.Object("resources/r10/other.csv"); !ok {
		t.Fatalf("object of another owner must survive")
	}
}

func TestInitiateCleanupErrorsDoNotFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.PutObject(ctx, "resources/r1/old.csv", strings.NewReader("x"), storage.PutOptions{Size: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	h.store.Fail(memory.OpDelete, func(string, string) error { return errors.New("denied") })
	res, err := h.engine.Initiate(ctx, InitiateRequest{Owner: "r1", Filename: "new.csv", Size: 1})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if len(res.Cleanup.Errors) != 1 || len(res.Cleanup.Deleted) != 0 {
		t.Fatalf("unexpected report %+v", res.Cleanup)
	}
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t)
	tests := []InitiateRequest{
		{Filename: "a.csv"},
		{Owner: "r1"},
		{Owner: "r1", Filename: "a.csv", Size: -1},
	}
	for _, req := range tests {
		if _, err := h.engine.Initiate(context.Background(), req); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("%+v: expected validation error, got %v", req, err)
		}
	}
}

func TestOwnerIDsMustStayUnderTheirPrefix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outside := "etc/file.txt"
	if _, err := h.store.PutObject(ctx, outside, strings.NewReader("keep"), storage.PutOptions{Size: 4}); err != nil {
		t.Fatalf("put: %v", err)
	}
	up := h.initiate(t, "r1", "file.txt", 1)
	for _, owner := range []string{"a/../b", "../etc", ".", "..", `r1\x`} {
		if _, err := h.engine.Initiate(ctx, InitiateRequest{Owner: owner, Filename: "file.txt", Size: 1}); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("initiate %q: expected validation error, got %v", owner, err)
		}
		if _, err := h.engine.Check(ctx, owner); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("check %q: expected validation error, got %v", owner, err)
		}
		if _, err := h.engine.Abort(ctx, owner); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("abort %q: expected validation error, got %v", owner, err)
		}
		if _, err := h.engine.Finish(ctx, FinishRequest{SessionID: up.ID, Owner: owner}); !uploaderr.Is(err, uploaderr.Validation) {
			t.Fatalf("finish %q: expected validation error, got %v", owner, err)
		}
	}
	if sessions := h.store.Sessions(); len(sessions) != 1 || sessions[0] != up.ID {
		t.Fatalf("rejected owners must not touch remote sessions, got %v", sessions)
	}
	if _, ok := h.store.Object(outside); !ok {
		t.Fatalf("object outside the resource root was removed")
	}
}

func TestInitiateRemoteFailure(t *testing.T) {
	h := newHarness(t)
	h.store.Fail(memory.OpInitiate, func(string, string) error { return errors.New("quota") })
	_, err := h.engine.Initiate(context.Background(), InitiateRequest{Owner: "r1", Filename: "a.csv"})
	if !uploaderr.Is(err, uploaderr.Remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

type failingLedger struct {
	Ledger
	create error
	upsert error
}

func (f failingLedger) CreateSession(ctx context.Context, sess ledger.Session) error {
	if f.create != nil {
		return f.create
	}
	return f.Ledger.CreateSession(ctx, sess)
}

func (f failingLedger) UpsertPart(ctx context.Context, id string, n int, etag string) error {
	if f.upsert != nil {
		return f.upsert
	}
	return f.Ledger.UpsertPart(ctx, id, n, etag)
}

func TestInitiateLedgerFailureAbortsRemoteSession(t *testing.T) {
	h := newHarness(t)
	engine, err := New(Config{Driver: h.store, Ledger: failingLedger{Ledger: h.ledger, create: errors.New("disk full")}, Clock: h.clock})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = engine.Initiate(context.Background(), InitiateRequest{Owner: "r1", Filename: "a.csv"})
	if !uploaderr.Is(err, uploaderr.Remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if sessions := h.store.Sessions(); len(sessions) != 0 {
		t.Fatalf("remote session should have been aborted, got %v", sessions)
	}
}

func TestUploadPartUpsert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	up := h.initiate(t, "r1", "a.bin", 6)
	firstTag := h.upload(t, up.ID, 1, []byte("one"))
	secondTag := h.upload(t, up.ID, 1, []byte("two"))
	if firstTag == secondTag {
		t.Fatalf("different payloads should produce different etags")
	}
	parts, err := h.ledger.Parts(ctx, up.ID)
	if err != nil || len(parts) != 1 || parts[0].ETag != secondTag {
		t.Fatalf("expected single part with latest etag, got %v %v", parts, err)
	}
	status, err := h.engine.Check(ctx, "r1")
	if err != nil || status.Parts != 1 {
		t.Fatalf("check should report one part: %+v %v", status, err)
	}
	if _, err := h.engine.Finish(ctx, FinishRequest{SessionID: up.ID}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got, _ := h.store.Object(up.Name); string(got) != "two" {
		t.Fatalf("expected second payload, got %q", got)
	}
}

func TestUploadPartErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	up := h.initiate(t, "r1", "a.bin", 6)

	if _, err := h.engine.UploadPart(ctx, up.ID, 0, strings.NewReader("x"), 1); !uploaderr.Is(err, uploaderr.Validation) {
		t.Fatalf("part 0: expected validation, got %v", err)
	}
	if _, err := h.engine.UploadPart(ctx, up.ID, MaxPartNumber+1, strings.NewReader("x"), 1); !uploaderr.Is(err, uploaderr.Validation) {
		t.Fatalf("part too large: expected validation, got %v", err)
	}
	if _, err := h.engine.UploadPart(ctx, "nope", 1, strings.NewReader("x"), 1); !uploaderr.Is(err, uploaderr.NotFound) {
		t.Fatalf("unknown session: expected not found, got %v", err)
	}

	h.store.Fail(memory.OpPutPart, func(string, string) error { return errors.New("reset by peer") })
	_, err := h.engine.UploadPart(ctx, up.ID, 2, strings.NewReader("x"), 1)
	if !uploaderr.Is(err, uploaderr.Validation) || !strings.Contains(uploaderr.Message(err), "upload failed: part 2") {
		t.Fatalf("expected part failure, got %v", err)
	}
	if n, _ := h.ledger.CountParts(ctx, up.ID); n != 0 {
		t.Fatalf("failed part must not be recorded, got %d", n)
	}
}

func TestUploadPartLedgerDivergence(t *testing.T) {
	h := newHarness(t)
	up := h.initiate(t, "r1", "a.bin", 1)
	engine, err := New(Config{Driver: h.store, Ledger: failingLedger{Ledger: h.ledger, upsert: errors.New("locked")}, Clock: h.clock})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = engine.UploadPart(context.Background(), up.ID, 1, strings.NewReader("x"), 1)
	if !uploaderr.Is(err, uploaderr.Remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestFinishAssemblesInPartOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	up := h.initiate(t, "r1", "a.txt", 9)
	for _, n := range []int{3, 1, 2} {
		h.upload(t, up.ID, n, []byte(strings.Repeat(string(rune('a'+n-1)), 3)))
	}
	if _, err := h.engine.Finish(ctx, FinishRequest{SessionID: up.ID}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	commits := h.store.Commits()
	if len(commits) != 1 {
		t.Fatalf("expected one commit, got %d", len(commits))
	}
	for i, p := range commits[0] {
		if p.Number != i+1 {
			t.Fatalf("commit order %v", commits[0])
		}
	}
	if got, _ := h.store.Object(up.Name); string(got) != "aaabbbccc" {
		t.Fatalf("unexpected object %q", got)
	}
}

func TestFinishReplacesExistingObject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := objectkey.Path("r1", "a.txt")
	up := h.initiate(t, "r1", "a.txt", 3)
	if _, err := h.store.PutObject(ctx, key, strings.NewReader("stale"), storage.PutOptions{Size: 5}); err != nil {
		t.Fatalf("put: %v", err)
	}
	h.upload(t, up.ID, 1, []byte("new"))
	if _, err := h.engine.Finish(ctx, FinishRequest{SessionID: up.ID}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got, _ := h.store.Object(key); string(got) != "new" {
		t.Fatalf("unexpected object %q", got)
	}
}

func TestFinishErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.engine.Finish(ctx, FinishRequest{}); !uploaderr.Is(err, uploaderr.Validation) {
		t.Fatalf("expected validation, got %v", err)
	}
	if _, err := h.engine.Finish(ctx, FinishRequest{SessionID: "missing"}); !uploaderr.Is(err, uploaderr.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	up := h.initiate(t, "r1", "a.txt", 1)
	h.upload(t, up.ID, 1, []byte("x"))
	h.store.Fail(memory.OpCommit, func(string, string) error { return errors.New("boom") })
	if _, err := h.engine.Finish(ctx, FinishRequest{SessionID: up.ID}); !uploaderr.Is(err, uploaderr.Remote) {
		t.Fatalf("expected remote, got %v", err)
	}
	if _, err := h.ledger.Session(ctx, up.ID); err != nil {
		t.Fatalf("failed commit must keep the session: %v", err)
	}
}

func TestFinishPromotesDraftPackage(t *testing.T) {
	tests := []struct {
		name       string
		saveAction string
		attempted  bool
		state      string
	}{
		{name: "default", attempted: true, state: resources.StateActive},
		{name: "go-metadata", saveAction: SaveActionGoMetadata, attempted: true, state: resources.StateActive},
		{name: "again", saveAction: "again", state: resources.StateDraft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.model.PutPackage(resources.Package{ID: "p1", State: resources.StateDraft})
			h.model.PutResource(resources.Resource{ID: "r1", PackageID: "p1", URLType: resources.URLTypeUpload})
			up := h.initiate(t, "r1", "a.txt", 1)
			h.upload(t, up.ID, 1, []byte("x"))
			res, err := h.engine.Finish(ctx, FinishRequest{SessionID: up.ID, SaveAction: tt.saveAction})
			if err != nil {
				t.Fatalf("finish: %v", err)
			}
			if res.Promotion.Attempted != tt.attempted || res.Promotion.Err != nil {
				t.Fatalf("unexpected promotion %+v", res.Promotion)
			}
			pkg, _ := h.model.Package(ctx, "p1")
			if pkg.State != tt.state {
				t.Fatalf("package state %q, want %q", pkg.State, tt.state)
			}
		})
	}
}

func TestFinishPromotionFailureIsReported(t *testing.T) {
	h := newHarness(t)
	up := h.initiate(t, "r1", "a.txt", 1)
	h.upload(t, up.ID, 1, []byte("x"))
	res, err := h.engine.Finish(context.Background(), FinishRequest{SessionID: up.ID})
	if err != nil {
		t.Fatalf("finish must succeed despite promotion failure: %v", err)
	}
	if !res.Commited || res.Promotion.Err == nil || res.Promotion.Promoted {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAbortRemovesAllOwnerSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.seed(t, "r2", "a.csv", start)
	b := h.seed(t, "r2", "b.csv", start.Add(time.Minute))
	other := h.seed(t, "r3", "c.csv", start)

	ids, err := h.engine.Abort(ctx, "r2")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if len(ids) != 2 || ids[0] != b.ID || ids[1] != a.ID {
		t.Fatalf("unexpected aborted ids %v", ids)
	}
	status, err := h.engine.Check(ctx, "r2")
	if err != nil || status != nil {
		t.Fatalf("check after abort should be absent: %+v %v", status, err)
	}
	if sessions := h.store.Sessions(); len(sessions) != 1 || sessions[0] != other.ID {
		t.Fatalf("unexpected remote sessions %v", sessions)
	}
	if ids, err := h.engine.Abort(ctx, "r2"); err != nil || len(ids) != 0 {
		t.Fatalf("second abort: %v %v", ids, err)
	}
}

func TestAbortStopsOnFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r2", "a.csv", start)
	h.store.Fail(memory.OpAbort, func(string, string) error { return errors.New("denied") })
	if _, err := h.engine.Abort(context.Background(), "r2"); !uploaderr.Is(err, uploaderr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if status, _ := h.engine.Check(context.Background(), "r2"); status == nil {
		t.Fatalf("failed abort must keep the ledger row")
	}
}

func TestAbortToleratesMissingRemoteSession(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "r2", "a.csv", start)
	if err := h.store.AbortMultipart(context.Background(), sess.Key, sess.ID); err != nil {
		t.Fatalf("pre-abort: %v", err)
	}
	ids, err := h.engine.Abort(context.Background(), "r2")
	if err != nil || len(ids) != 1 {
		t.Fatalf("abort: %v %v", ids, err)
	}
}

func TestCleanExpiredIsBestEffort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := start.Add(-8 * 24 * time.Hour)
	h.seed(t, "r1", "a.csv", old)
	bad := h.seed(t, "r2", "b.csv", old.Add(time.Hour))
	h.seed(t, "r3", "c.csv", old.Add(2*time.Hour))
	fresh := h.seed(t, "r4", "d.csv", start.Add(-time.Hour))

	h.store.Fail(memory.OpAbort, func(_, id string) error {
		if id == bad.ID {
			return errors.New("permission denied")
		}
		return nil
	})
	res, err := h.engine.CleanExpired(ctx)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if res.Removed != 2 || res.Total != 3 || len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "permission denied") {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := h.ledger.Session(ctx, bad.ID); err != nil {
		t.Fatalf("failed session must stay recorded: %v", err)
	}
	if _, err := h.ledger.Session(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session must survive: %v", err)
	}
}

func TestCleanExpiredEmpty(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.CleanExpired(context.Background())
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if res.Removed != 0 || res.Total != 0 || res.Errors == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

// staleLedger answers expiry lookups with a fixed selection, standing in
// for sessions that finish after being selected for cleanup.
type staleLedger struct {
	Ledger
	expired []ledger.Session
}

func (s staleLedger) SessionsInitiatedBefore(context.Context, time.Time) ([]ledger.Session, error) {
	return s.expired, nil
}

func TestCleanExpiredSessionFinishedMeanwhile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.seed(t, "r1", "a.csv", start.Add(-8*24*time.Hour))
	if _, err := h.engine.UploadPart(ctx, sess.ID, 1, strings.NewReader("done"), 4); err != nil {
		t.Fatalf("upload part: %v", err)
	}
	if _, err := h.engine.Finish(ctx, FinishRequest{SessionID: sess.ID}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	engine, err := New(Config{Driver: h.store, Ledger: staleLedger{Ledger: h.ledger, expired: []ledger.Session{sess}}, Clock: h.clock})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := engine.CleanExpired(ctx)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if res.Removed != 1 || res.Total != 1 || len(res.Errors) != 0 {
		t.Fatalf("finished session should count as removed, got %+v", res)
	}
	if got, ok := h.store.Object(sess.Key); !ok || string(got) != "done" {
		t.Fatalf("committed object must survive cleanup, got %q %v", got, ok)
	}
}

func TestFinishWithoutParts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	up := h.initiate(t, "r1", "empty.csv", 0)
	_, err := h.engine.Finish(ctx, FinishRequest{SessionID: up.ID})
	if !uploaderr.Is(err, uploaderr.Remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if !strings.Contains(err.Error(), "at least one part") {
		t.Fatalf("expected the store to reject an empty part list, got %v", err)
	}
	if _, err := h.ledger.Session(ctx, up.ID); err != nil {
		t.Fatalf("session must stay recorded after a failed commit: %v", err)
	}
	if sessions := h.store.Sessions(); len(sessions) != 1 || sessions[0] != up.ID {
		t.Fatalf("remote session must stay open, got %v", sessions)
	}
}

// overwritingStore reports commits that replace objects in place.
type overwritingStore struct {
	*memory.Store
}

func (overwritingStore) OverwritesOnCommit() bool { return true }

func TestFinishPreDeleteDependsOnDriver(t *testing.T) {
	for _, tc := range []struct {
		name      string
		overwrite bool
	}{
		{name: "deletes first", overwrite: false},
		{name: "overwrites on commit", overwrite: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			var driver storage.Driver = h.store
			if tc.overwrite {
				driver = overwritingStore{h.store}
			}
			engine, err := New(Config{Driver: driver, Ledger: h.ledger, Clock: h.clock})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			up, err := engine.Initiate(ctx, InitiateRequest{Owner: "r1", Filename: "data.csv"})
			if err != nil {
				t.Fatalf("initiate: %v", err)
			}
			if _, err := h.store.PutObject(ctx, up.Upload.Name, strings.NewReader("old"), storage.PutOptions{Size: 3}); err != nil {
				t.Fatalf("put: %v", err)
			}
			if _, err := engine.UploadPart(ctx, up.Upload.ID, 1, strings.NewReader("new"), 3); err != nil {
				t.Fatalf("upload part: %v", err)
			}
			h.store.Fail(memory.OpDelete, func(string, string) error { return errors.New("denied") })

			_, err = engine.Finish(ctx, FinishRequest{SessionID: up.Upload.ID})
			if !tc.overwrite {
				if !uploaderr.Is(err, uploaderr.Remote) {
					t.Fatalf("expected the failed delete to surface, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("finish: %v", err)
			}
			if got, _ := h.store.Object(up.Upload.Name); string(got) != "new" {
				t.Fatalf("expected committed payload, got %q", got)
			}
		})
	}
}
