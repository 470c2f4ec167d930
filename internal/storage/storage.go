package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"pkt.systems/cloudstorage/internal/signing"
)

// ContentTypeOctetStream is used when no better content type is known.
const ContentTypeOctetStream = "application/octet-stream"

var (
	// ErrNotFound indicates the requested object or upload session is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotImplemented indicates the driver lacks the requested capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Part identifies one uploaded chunk of a multipart session.
type Part struct {
	Number int
	ETag   string
}

// InitiateOptions customises a new multipart session.
type InitiateOptions struct {
	ContentType string
}

// PutOptions customises a single-request upload.
type PutOptions struct {
	ContentType string
	// Size is the body length, -1 when unknown.
	Size int64
}

// Driver is the capability set every object store variant provides. A
// driver is bound to one container (bucket) at construction.
type Driver interface {
	// InitiateMultipart opens a remote multipart session for key and returns
	// its id.
	InitiateMultipart(ctx context.Context, key string, opts InitiateOptions) (string, error)
	// PutPart uploads one chunk and returns the etag the store assigned.
	PutPart(ctx context.Context, key, sessionID string, partNumber int, body io.Reader, size int64) (string, error)
	// CommitMultipart assembles parts, in the given order, into key.
	CommitMultipart(ctx context.Context, key, sessionID string, parts []Part) error
	// AbortMultipart discards a session. Unknown sessions yield ErrNotFound.
	AbortMultipart(ctx context.Context, key, sessionID string) error
	// StatObject returns the object's size and content hash, or ErrNotFound.
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)
	// ListObjects calls visit for every object whose key starts with prefix.
	ListObjects(ctx context.Context, prefix string, visit func(ObjectInfo) error) error
	// PutObject streams body into key in a single logical upload.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutOptions) (*ObjectInfo, error)
	// DeleteObject removes key. Missing objects yield ErrNotFound.
	DeleteObject(ctx context.Context, key string) error
	// PublicURL returns the unauthenticated URL of key.
	PublicURL(key string) (string, error)
	// SignURL returns a time-limited authenticated URL for key.
	SignURL(ctx context.Context, key string, opts signing.Options) (string, error)
	// Close releases driver resources.
	Close() error
}

// CORSConfigurer is implemented by drivers that can update container CORS
// rules.
type CORSConfigurer interface {
	SetCORS(ctx context.Context, origins []string) error
}

// CommitOverwriter is implemented by drivers whose multipart commit
// replaces an existing object in place, and for which removing the object
// first would discard the staged parts.
type CommitOverwriter interface {
	OverwritesOnCommit() bool
}

// OverwritesOnCommit reports whether d implements CommitOverwriter and
// replaces objects on commit.
func OverwritesOnCommit(d Driver) bool {
	o, ok := d.(CommitOverwriter)
	return ok && o.OverwritesOnCommit()
}

// Describer is implemented by drivers that report their provider name and
// container.
type Describer interface {
	Provider() string
	Container() string
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
