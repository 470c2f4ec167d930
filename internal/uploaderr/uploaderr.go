// Package uploaderr defines the closed error taxonomy returned at every
// multipart and transfer boundary.
package uploaderr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an upload failure.
type Kind int

const (
	// NotFound means a referenced session, resource or object is absent.
	NotFound Kind = iota + 1
	// Validation means the caller supplied bad input or the remote store
	// rejected the request.
	Validation
	// Remote means the object store or ledger failed (network, auth, quota).
	Remote
	// Conflict means the request raced another writer.
	Conflict
)

// String returns the wire name of k.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Validation:
		return "validation"
	case Remote:
		return "remote"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error carries the kind plus enough context for a caller to decide whether
// to retry.
type Error struct {
	Kind       Kind
	Op         string
	Key        string
	SessionID  string
	PartNumber int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " (upload=%s)", e.SessionID)
	}
	if e.PartNumber > 0 {
		fmt.Fprintf(&b, " (part=%d)", e.PartNumber)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithKey records the object key.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithSession records the upload session id.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// WithPart records the part number.
func (e *Error) WithPart(n int) *Error {
	e.PartNumber = n
	return e
}

// New builds an Error of kind k.
func New(k Kind, op, detail string, err error) *Error {
	return &Error{Kind: k, Op: op, Detail: detail, Err: err}
}

// NewNotFound builds a NotFound error.
func NewNotFound(op, detail string, err error) *Error { return New(NotFound, op, detail, err) }

// NewValidation builds a Validation error.
func NewValidation(op, detail string, err error) *Error { return New(Validation, op, detail, err) }

// NewRemote builds a Remote error.
func NewRemote(op, detail string, err error) *Error { return New(Remote, op, detail, err) }

// NewConflict builds a Conflict error.
func NewConflict(op, detail string, err error) *Error { return New(Conflict, op, detail, err) }

// KindOf extracts the kind of err. Errors outside the taxonomy report Remote
// with ok=false.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) && ue != nil {
		return ue.Kind, true
	}
	return Remote, false
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// Message returns the user-facing detail of err, falling back to its text.
func Message(err error) string {
	var ue *Error
	if errors.As(err, &ue) && ue != nil && ue.Detail != "" {
		return ue.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
