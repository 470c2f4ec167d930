// Package transfer moves whole files between callers and the object store:
// single-request uploads with an unchanged-content skip, download URLs and
// deletion hooks.
package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/objectkey"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/cloudstorage/internal/uploaderr"
)

// FingerprintBlockSize is the part size assumed when reproducing the
// multipart etag of an object uploaded in chunks.
const FingerprintBlockSize = 5 << 20

var (
	// ErrUploadFailed indicates the store rejected or lost the transfer.
	ErrUploadFailed = errors.New("transfer: upload failed")
	// ErrSourceMissing indicates the caller supplied no readable content.
	ErrSourceMissing = errors.New("transfer: source missing")
)

// Config wires a Manager.
type Config struct {
	Driver storage.Driver
	Logger pslog.Logger
	// UseSecureURLs selects signed URLs over public ones.
	UseSecureURLs bool
	// LeaveFiles keeps objects when their resource is deleted or replaced.
	LeaveFiles bool
	// GuessMimetype derives the content type from the filename extension.
	GuessMimetype bool
	// SignedURLExpiry is the lifetime of signed URLs; zero means one hour.
	SignedURLExpiry time.Duration
}

// Manager performs whole-object transfers for resources.
type Manager struct {
	cfg    Config
	logger pslog.Logger
}

// New returns a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Driver == nil {
		return nil, errors.New("transfer: driver required")
	}
	if cfg.SignedURLExpiry <= 0 {
		cfg.SignedURLExpiry = signing.DefaultExpiry
	}
	if err := (signing.Options{Expiry: cfg.SignedURLExpiry}).Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

func (m *Manager) log(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return m.logger
}

// Result describes a finished Upload.
type Result struct {
	Key string
	// Skipped is true when identical content was already stored.
	Skipped bool
	Size    int64
	ETag    string
}

// Upload stores content as filename under owner. When an object of the same
// size whose hash matches the content already exists, nothing is sent.
func (m *Manager) Upload(ctx context.Context, owner, filename string, content io.ReadSeeker) (*Result, error) {
	const op = "upload"
	if owner == "" || filename == "" {
		return nil, uploaderr.NewValidation(op, "owner and filename required", nil)
	}
	if err := objectkey.ValidateOwner(owner); err != nil {
		return nil, uploaderr.NewValidation(op, "invalid owner", err)
	}
	if content == nil {
		return nil, uploaderr.NewValidation(op, "no content", ErrSourceMissing)
	}
	key := objectkey.Path(owner, filename)
	logger := m.log(ctx).With("key", key)

	size, err := content.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = content.Seek(0, io.SeekStart)
	}
	if err != nil {
		return nil, uploaderr.NewValidation(op, "content not seekable", fmt.Errorf("%w: %w", ErrSourceMissing, err)).WithKey(key)
	}

	info, err := m.cfg.Driver.StatObject(ctx, key)
	switch {
	case err == nil:
		if info.Size == size {
			same, err := matches(content, storage.NormalizeETag(info.ETag))
			if err != nil {
				return nil, uploaderr.NewValidation(op, "content unreadable", fmt.Errorf("%w: %w", ErrSourceMissing, err)).WithKey(key)
			}
			if same {
				logger.Debug("transfer.upload.unchanged", "size", size)
				return &Result{Key: key, Skipped: true, Size: size, ETag: info.ETag}, nil
			}
		}
		logger.Debug("transfer.upload.outdated", "stored_size", info.Size, "size", size)
	case storage.IsNotFound(err):
		logger.Debug("transfer.upload.absent")
	default:
		return nil, uploaderr.NewRemote(op, "stat failed", err).WithKey(key)
	}

	opts := storage.PutOptions{Size: size}
	if m.cfg.GuessMimetype {
		opts.ContentType = mime.TypeByExtension(path.Ext(key))
	}
	stored, err := m.cfg.Driver.PutObject(ctx, key, content, opts)
	if err != nil {
		return nil, uploaderr.NewRemote(op, "transfer failed", fmt.Errorf("%w: %w", ErrUploadFailed, err)).WithKey(key)
	}
	logger.Info("transfer.upload.success", "size", stored.Size, "content_type", opts.ContentType)
	return &Result{Key: key, Size: stored.Size, ETag: stored.ETag}, nil
}

// matches reports whether content hashes to etag, either as a plain MD5 or
// as a multipart fingerprint over FingerprintBlockSize blocks. content is
// rewound afterwards.
func matches(content io.ReadSeeker, etag string) (bool, error) {
	if etag == "" {
		return false, nil
	}
	plain, multi, err := Fingerprints(content)
	if err != nil {
		return false, err
	}
	return etag == plain || etag == multi, nil
}

// Fingerprints reads content once and returns its plain MD5 hex and its
// multipart etag. content is rewound to the start.
func Fingerprints(content io.ReadSeeker) (string, string, error) {
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return "", "", err
	}
	var (
		whole   = md5.New()
		digests [][]byte
		buf     = make([]byte, FingerprintBlockSize)
	)
	for {
		n, err := io.ReadFull(content, buf)
		if n > 0 {
			whole.Write(buf[:n])
			sum := md5.Sum(buf[:n])
			digests = append(digests, sum[:])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return "", "", err
		}
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(whole.Sum(nil)), storage.MultipartETag(digests), nil
}

// URL returns a download URL for filename under owner. With secure URLs
// enabled it signs one without contacting the store; otherwise it returns
// the public URL of an existing object. ok is false when the object is
// absent.
func (m *Manager) URL(ctx context.Context, owner, filename, contentType string) (string, bool, error) {
	const op = "get_url"
	if err := objectkey.ValidateOwner(owner); err != nil {
		return "", false, uploaderr.NewValidation(op, "invalid owner", err)
	}
	key := objectkey.Path(owner, filename)
	if m.cfg.UseSecureURLs {
		u, err := m.cfg.Driver.SignURL(ctx, key, signing.Options{Expiry: m.cfg.SignedURLExpiry, ContentType: contentType})
		switch {
		case err == nil:
			return u, true, nil
		case errors.Is(err, signing.ErrExpiryTooLong), errors.Is(err, signing.ErrInvalidExpiry):
			return "", false, uploaderr.NewValidation(op, err.Error(), err).WithKey(key)
		case !errors.Is(err, storage.ErrNotImplemented):
			return "", false, uploaderr.NewRemote(op, "sign failed", err).WithKey(key)
		}
		m.log(ctx).Debug("transfer.url.unsigned_fallback", "key", key)
	}
	if _, err := m.cfg.Driver.StatObject(ctx, key); err != nil {
		if storage.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, uploaderr.NewRemote(op, "stat failed", err).WithKey(key)
	}
	u, err := m.cfg.Driver.PublicURL(key)
	if err != nil {
		return "", false, uploaderr.NewRemote(op, "public url unavailable", err).WithKey(key)
	}
	return u, true, nil
}

// DeleteIfExists removes filename under owner. Absent objects are ignored
// and nothing is removed when files are left in place.
func (m *Manager) DeleteIfExists(ctx context.Context, owner, filename string) error {
	if m.cfg.LeaveFiles || filename == "" {
		return nil
	}
	if err := objectkey.ValidateOwner(owner); err != nil {
		return uploaderr.NewValidation("delete", "invalid owner", err)
	}
	key := objectkey.Path(owner, filename)
	if err := m.cfg.Driver.DeleteObject(ctx, key); err != nil && !storage.IsNotFound(err) {
		return uploaderr.NewRemote("delete", "delete failed", err).WithKey(key)
	}
	m.log(ctx).Info("transfer.delete.success", "key", key)
	return nil
}

// PurgeResource removes every object stored for owner, starting with
// filename when given. It returns the deleted keys.
func (m *Manager) PurgeResource(ctx context.Context, owner, filename string) ([]string, error) {
	const op = "purge"
	if m.cfg.LeaveFiles {
		return nil, nil
	}
	if err := objectkey.ValidateOwner(owner); err != nil {
		return nil, uploaderr.NewValidation(op, "invalid owner", err)
	}
	var deleted []string
	if filename != "" {
		key := objectkey.Path(owner, filename)
		err := m.cfg.Driver.DeleteObject(ctx, key)
		switch {
		case err == nil:
			deleted = append(deleted, key)
		case !storage.IsNotFound(err):
			return deleted, uploaderr.NewRemote(op, "delete failed", err).WithKey(key)
		}
	}
	var keys []string
	prefix := objectkey.Prefix(owner)
	if err := m.cfg.Driver.ListObjects(ctx, prefix, func(info storage.ObjectInfo) error {
		keys = append(keys, info.Key)
		return nil
	}); err != nil {
		return deleted, uploaderr.NewRemote(op, "list failed", err).WithKey(prefix)
	}
	var errs []error
	for _, key := range keys {
		if err := m.cfg.Driver.DeleteObject(ctx, key); err != nil && !storage.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		deleted = append(deleted, key)
	}
	if len(errs) > 0 {
		return deleted, uploaderr.NewRemote(op, "some objects could not be deleted", errors.Join(errs...)).WithKey(prefix)
	}
	m.log(ctx).Info("transfer.purge.success", "owner", owner, "deleted", len(deleted))
	return deleted, nil
}
