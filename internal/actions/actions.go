// Package actions exposes the multipart engine as the named CKAN-style
// actions, with an authorization gate in front of every call.
package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/multipart"
	"pkt.systems/cloudstorage/internal/uploaderr"
)

// Action names.
const (
	InitiateMultipart = "cloudstorage_initiate_multipart"
	UploadMultipart   = "cloudstorage_upload_multipart"
	FinishMultipart   = "cloudstorage_finish_multipart"
	AbortMultipart    = "cloudstorage_abort_multipart"
	CheckMultipart    = "cloudstorage_check_multipart"
	CleanMultipart    = "cloudstorage_clean_multipart"
)

var (
	// ErrUnknownAction is returned for names outside the action set.
	ErrUnknownAction = errors.New("actions: unknown action")
	// ErrDenied is returned when the authorizer refuses a call.
	ErrDenied = errors.New("actions: access denied")
)

// Names returns every action name in sorted order.
func Names() []string {
	names := []string{InitiateMultipart, UploadMultipart, FinishMultipart, AbortMultipart, CheckMultipart, CleanMultipart}
	sort.Strings(names)
	return names
}

// Part is the chunk carried by an upload action.
type Part struct {
	Body io.Reader
	// Size is the chunk length, -1 when unknown.
	Size int64
}

// Request is one action invocation.
type Request struct {
	Action string
	// Params holds the scalar parameters; numbers arrive as decimal strings.
	Params map[string]string
	// Token is the caller's API token, empty when anonymous.
	Token string
	Part  *Part
}

func (r Request) param(name string) string {
	return strings.TrimSpace(r.Params[name])
}

// require returns the named parameters, or a Validation error listing the
// missing ones.
func (r Request) require(names ...string) ([]string, error) {
	values := make([]string, len(names))
	var missing []string
	for i, name := range names {
		values[i] = r.param(name)
		if values[i] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, uploaderr.NewValidation(r.Action, "missing value: "+strings.Join(missing, ", "), nil)
	}
	return values, nil
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Admin  bool
}

// Authorizer decides whether a request may run.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Principal, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req Request) (Principal, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, req Request) (Principal, error) {
	return f(ctx, req)
}

// AllowAll admits every request as an admin.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, Request) (Principal, error) {
	return Principal{Admin: true}, nil
})

// Dispatcher routes actions to the engine.
type Dispatcher struct {
	engine *multipart.Engine
	auth   Authorizer
	logger pslog.Logger
}

// NewDispatcher returns a Dispatcher. A nil authorizer denies everything.
func NewDispatcher(engine *multipart.Engine, auth Authorizer, logger pslog.Logger) *Dispatcher {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if auth == nil {
		auth = AuthorizerFunc(func(context.Context, Request) (Principal, error) { return Principal{}, ErrDenied })
	}
	return &Dispatcher{engine: engine, auth: auth, logger: logger}
}

// CheckResult wraps a live session for the check action.
type CheckResult struct {
	Upload *multipart.Status `json:"upload"`
}

// Do authorizes and runs req. The result is JSON-encodable; a nil result
// means null.
func (d *Dispatcher) Do(ctx context.Context, req Request) (any, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = d.logger
	}
	if !known(req.Action) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	principal, err := d.auth.Authorize(ctx, req)
	if err != nil {
		logger.Info("actions.denied", "action", req.Action, "error", err)
		if errors.Is(err, ErrDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDenied, err)
	}
	logger.Debug("actions.dispatch", "action", req.Action, "user", principal.UserID)

	switch req.Action {
	case CheckMultipart:
		values, err := req.require("id")
		if err != nil {
			return nil, err
		}
		status, err := d.engine.Check(ctx, values[0])
		if err != nil || status == nil {
			return nil, err
		}
		return CheckResult{Upload: status}, nil

	case InitiateMultipart:
		values, err := req.require("id", "name", "size")
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseInt(values[2], 10, 64)
		if err != nil {
			return nil, uploaderr.NewValidation(req.Action, "size must be an integer", err)
		}
		res, err := d.engine.Initiate(ctx, multipart.InitiateRequest{
			Owner:    values[0],
			Filename: values[1],
			Size:     size,
			UserID:   principal.UserID,
		})
		if err != nil {
			return nil, err
		}
		return res.Upload, nil

	case UploadMultipart:
		values, err := req.require("uploadId", "partNumber")
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(values[1])
		if err != nil {
			return nil, uploaderr.NewValidation(req.Action, "partNumber must be an integer", err)
		}
		if req.Part == nil || req.Part.Body == nil {
			return nil, uploaderr.NewValidation(req.Action, "missing value: upload", nil)
		}
		return d.engine.UploadPart(ctx, values[0], n, req.Part.Body, req.Part.Size)

	case FinishMultipart:
		values, err := req.require("uploadId")
		if err != nil {
			return nil, err
		}
		return d.engine.Finish(ctx, multipart.FinishRequest{
			SessionID:  values[0],
			Owner:      req.param("id"),
			SaveAction: req.param("save_action"),
		})

	case AbortMultipart:
		values, err := req.require("id")
		if err != nil {
			return nil, err
		}
		return d.engine.Abort(ctx, values[0])

	case CleanMultipart:
		return d.engine.CleanExpired(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
}

func known(name string) bool {
	switch name {
	case InitiateMultipart, UploadMultipart, FinishMultipart, AbortMultipart, CheckMultipart, CleanMultipart:
		return true
	}
	return false
}
