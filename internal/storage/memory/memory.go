package memory

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
)

// Op names a driver operation that can carry an injected fault.
type Op string

// Operations accepted by Store.Fail.
const (
	OpInitiate Op = "initiate"
	OpPutPart  Op = "put_part"
	OpCommit   Op = "commit"
	OpAbort    Op = "abort"
	OpStat     Op = "stat"
	OpList     Op = "list"
	OpPut      Op = "put"
	OpDelete   Op = "delete"
)

// Fault decides whether an operation on key (and session, when relevant)
// fails. Returning nil lets the operation proceed.
type Fault func(key, sessionID string) error

// Config configures the in-memory store.
type Config struct {
	// Bucket names the container; used in URLs only.
	Bucket string
	// BaseURL prefixes public and signed URLs.
	BaseURL string
	// Secret keys the URL signatures.
	Secret string
	Clock  clock.Clock
}

// Stats counts single-request transfers.
type Stats struct {
	Puts          int
	BytesUploaded int64
	Parts         int
	Commits       int
}

// Store implements storage.Driver in memory; intended for tests and local
// development.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	objects map[string]*objectEntry
	uploads map[string]*uploadEntry
	faults  map[Op]Fault
	stats   Stats
	commits [][]storage.Part
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

type uploadEntry struct {
	key         string
	contentType string
	parts       map[int]partEntry
}

type partEntry struct {
	payload []byte
	digest  []byte
	etag    string
}

// New returns an empty store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	if cfg.Bucket == "" {
		cfg.Bucket = "memory"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://memory.invalid"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Secret == "" {
		cfg.Secret = "memory"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Store{
		cfg:     cfg,
		objects: make(map[string]*objectEntry),
		uploads: make(map[string]*uploadEntry),
		faults:  make(map[Op]Fault),
	}
}

// Provider implements storage.Describer.
func (s *Store) Provider() string { return "memory" }

// Container implements storage.Describer.
func (s *Store) Container() string { return s.cfg.Bucket }

// Close implements storage.Driver.
func (s *Store) Close() error { return nil }

// Fail installs fault for op, replacing any previous one. A nil fault clears it.
func (s *Store) Fail(op Op, fault Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fault == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = fault
}

// Stats returns transfer counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Commits returns the part lists passed to successful commits, in order.
func (s *Store) Commits() [][]storage.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]storage.Part, len(s.commits))
	for i, parts := range s.commits {
		out[i] = append([]storage.Part(nil), parts...)
	}
	return out
}

// Sessions returns the ids of open multipart sessions.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.uploads))
	for id := range s.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Object returns a copy of the payload stored at key.
func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.payload...), true
}

func (s *Store) faultLocked(op Op, key, sessionID string) error {
	if fault := s.faults[op]; fault != nil {
		return fault(key, sessionID)
	}
	return nil
}

// InitiateMultipart implements storage.Driver.
func (s *Store) InitiateMultipart(ctx context.Context, key string, opts storage.InitiateOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(OpInitiate, key, ""); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.uploads[id] = &uploadEntry{key: key, contentType: opts.ContentType, parts: make(map[int]partEntry)}
	return id, nil
}

// PutPart implements storage.Driver.
func (s *Store) PutPart(ctx context.Context, key, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("memory: read part: %w", err)
	}
	if size >= 0 && int64(len(payload)) != size {
		return "", fmt.Errorf("memory: part %d size mismatch: declared %d, read %d", partNumber, size, len(payload))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(OpPutPart, key, sessionID); err != nil {
		return "", err
	}
	upload, ok := s.uploads[sessionID]
	if !ok || upload.key != key {
		return "", fmt.Errorf("memory: upload %s: %w", sessionID, storage.ErrNotFound)
	}
	sum := md5.Sum(payload)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	upload.parts[partNumber] = partEntry{payload: payload, digest: sum[:], etag: etag}
	s.stats.Parts++
	return etag, nil
}

// CommitMultipart implements storage.Driver. Like S3 it rejects empty part
// lists and parts out of ascending order; it additionally rejects gaps.
func (s *Store) CommitMultipart(ctx context.Context, key, sessionID string, parts []storage.Part) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(OpCommit, key, sessionID); err != nil {
		return err
	}
	upload, ok := s.uploads[sessionID]
	if !ok || upload.key != key {
		return fmt.Errorf("memory: upload %s: %w", sessionID, storage.ErrNotFound)
	}
	if len(parts) == 0 {
		return fmt.Errorf("memory: commit %s: at least one part is required", sessionID)
	}
	var (
		buf     bytes.Buffer
		digests = make([][]byte, 0, len(parts))
	)
	for i, part := range parts {
		if part.Number != i+1 {
			return fmt.Errorf("memory: commit %s: invalid part order at position %d (part %d)", sessionID, i, part.Number)
		}
		stored, ok := upload.parts[part.Number]
		if !ok || storage.NormalizeETag(stored.etag) != storage.NormalizeETag(part.ETag) {
			return fmt.Errorf("memory: commit %s: invalid part %d", sessionID, part.Number)
		}
		buf.Write(stored.payload)
		digests = append(digests, stored.digest)
	}
	s.objects[key] = &objectEntry{
		payload:     buf.Bytes(),
		etag:        storage.MultipartETag(digests),
		contentType: upload.contentType,
		updated:     s.cfg.Clock.Now(),
	}
	delete(s.uploads, sessionID)
	s.stats.Commits++
	s.commits = append(s.commits, append([]storage.Part(nil), parts...))
	return nil
}

// AbortMultipart implements storage.Driver.
func (s *Store) AbortMultipart(ctx context.Context, key, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(OpAbort, key, sessionID); err != nil {
		return err
	}
	if _, ok := s.uploads[sessionID]; !ok {
		return fmt.Errorf("memory: upload %s: %w", sessionID, storage.ErrNotFound)
	}
	delete(s.uploads, sessionID)
	return nil
}

// StatObject implements storage.Driver.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(OpStat, key, ""); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	info := obj.info(key)
	return &info, nil
}

// ListObjects implements storage.Driver. Objects are visited in key order
// from a snapshot, so visit may delete keys.
func (s *Store) ListObjects(ctx context.Context, prefix string, visit func(storage.ObjectInfo) error) error {
	s.mu.Lock()
	if err := s.faultLocked(OpList, prefix, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	infos := make([]storage.ObjectInfo, 0)
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, obj.info(key))
		}
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(info); err != nil {
			return err
		}
	}
	return nil
}

// PutObject implements storage.Driver.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	err := s.faultLocked(OpPut, key, "")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("memory: read object: %w", err)
	}
	sum := md5.Sum(payload)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	obj := &objectEntry{
		payload:     payload,
		etag:        hex.EncodeToString(sum[:]),
		contentType: contentType,
		updated:     s.cfg.Clock.Now(),
	}
	s.mu.Lock()
	s.objects[key] = obj
	s.stats.Puts++
	s.stats.BytesUploaded += int64(len(payload))
	s.mu.Unlock()
	info := obj.info(key)
	return &info, nil
}

// DeleteObject implements storage.Driver.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(OpDelete, key, ""); err != nil {
		return err
	}
	if _, ok := s.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

// PublicURL implements storage.Driver.
func (s *Store) PublicURL(key string) (string, error) {
	return s.cfg.BaseURL + "/" + s.cfg.Bucket + "/" + escapeKey(key), nil
}

// SignURL implements storage.Driver with an HMAC over method, key and expiry.
func (s *Store) SignURL(ctx context.Context, key string, opts signing.Options) (string, error) {
	opts = opts.WithDefaults(signing.DefaultExpiry)
	if err := opts.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	expires := s.cfg.Clock.Now().Add(opts.Expiry).Unix()
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	fmt.Fprintf(mac, "%s\n%s\n%d\n%s", opts.Method, key, expires, opts.ContentType)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	base, _ := s.PublicURL(key)
	return base + "?" + q.Encode(), nil
}

func (o *objectEntry) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(o.payload)),
		ETag:         o.etag,
		ContentType:  o.contentType,
		LastModified: o.updated,
	}
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
