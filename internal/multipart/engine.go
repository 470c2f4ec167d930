// Package multipart runs chunked uploads: it opens remote multipart
// sessions, records received parts in the ledger and assembles the final
// object. Workers share no memory; the ledger is the only coordination
// point.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/ledger"
	"pkt.systems/cloudstorage/internal/objectkey"
	"pkt.systems/cloudstorage/internal/resources"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/cloudstorage/internal/uploaderr"
)

const (
	// DefaultMaxLifetime bounds how long an unfinished session may live
	// before CleanExpired removes it.
	DefaultMaxLifetime = 7 * 24 * time.Hour
	// MaxPartNumber is the highest part number object stores accept.
	MaxPartNumber = 10000
	// SaveActionGoMetadata is the finish action that continues to the
	// dataset metadata step.
	SaveActionGoMetadata = "go-metadata"
)

// Ledger is the persistence the engine needs. *ledger.Store implements it.
type Ledger interface {
	CreateSession(ctx context.Context, sess ledger.Session) error
	Session(ctx context.Context, id string) (*ledger.Session, error)
	SessionByKey(ctx context.Context, key string) (*ledger.Session, error)
	SessionsByOwner(ctx context.Context, owner string) ([]ledger.Session, error)
	SessionsInitiatedBefore(ctx context.Context, cutoff time.Time) ([]ledger.Session, error)
	DeleteSession(ctx context.Context, id string) error
	UpsertPart(ctx context.Context, sessionID string, n int, etag string) error
	Parts(ctx context.Context, sessionID string) ([]ledger.Part, error)
	CountParts(ctx context.Context, sessionID string) (int, error)
}

// Config wires an Engine.
type Config struct {
	Driver storage.Driver
	Ledger Ledger
	// Model is optional; without it referenced-object protection and draft
	// promotion are skipped.
	Model         resources.Model
	Clock         clock.Clock
	Logger        pslog.Logger
	MaxLifetime   time.Duration
	GuessMimetype bool
}

// Engine implements the multipart state machine.
type Engine struct {
	driver        storage.Driver
	ledger        Ledger
	model         resources.Model
	clock         clock.Clock
	logger        pslog.Logger
	maxLifetime   time.Duration
	guessMimetype bool
	metrics       *engineMetrics
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Driver == nil {
		return nil, errors.New("multipart: driver required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("multipart: ledger required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	return &Engine{
		driver:        cfg.Driver,
		ledger:        cfg.Ledger,
		model:         cfg.Model,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		maxLifetime:   cfg.MaxLifetime,
		guessMimetype: cfg.GuessMimetype,
		metrics:       newEngineMetrics(cfg.Logger),
	}, nil
}

func (e *Engine) log(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return e.logger
}

// checkOwner rejects owner ids that would not stay under their own key
// prefix.
func checkOwner(op, owner string) error {
	if owner == "" {
		return uploaderr.NewValidation(op, "missing value: id", nil)
	}
	if err := objectkey.ValidateOwner(owner); err != nil {
		return uploaderr.NewValidation(op, "invalid value: id", err)
	}
	return nil
}

// Upload is the client-facing view of a session.
type Upload struct {
	ID           string    `json:"id"`
	ResourceID   string    `json:"resourceId"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	OriginalName string    `json:"originalName"`
	Initiated    time.Time `json:"initiated"`
	UserID       string    `json:"userId,omitempty"`
}

func uploadFrom(s ledger.Session) Upload {
	return Upload{
		ID:           s.ID,
		ResourceID:   s.OwnerID,
		Name:         s.Key,
		Size:         s.Size,
		OriginalName: s.OriginalName,
		Initiated:    s.Initiated,
		UserID:       s.UserID,
	}
}

// Status is the result of Check.
type Status struct {
	Upload
	Parts int `json:"parts"`
}

// Check returns the owner's newest session with its ledger part count, or
// nil when the owner has none.
func (e *Engine) Check(ctx context.Context, owner string) (*Status, error) {
	const op = "check"
	if err := checkOwner(op, owner); err != nil {
		return nil, err
	}
	sessions, err := e.ledger.SessionsByOwner(ctx, owner)
	if err != nil {
		return nil, uploaderr.NewRemote(op, "ledger lookup failed", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	latest := sessions[0]
	n, err := e.ledger.CountParts(ctx, latest.ID)
	if err != nil {
		return nil, uploaderr.NewRemote(op, "ledger count failed", err).WithSession(latest.ID)
	}
	return &Status{Upload: uploadFrom(latest), Parts: n}, nil
}

// InitiateRequest starts a session.
type InitiateRequest struct {
	Owner    string
	Filename string
	Size     int64
	UserID   string
}

// CleanupReport describes the best-effort removal of objects under the
// owner prefix during Initiate.
type CleanupReport struct {
	Deleted []string
	Skipped []string
	Errors  []error
}

// InitiateResult is the new session plus cleanup diagnostics.
type InitiateResult struct {
	Upload  Upload
	Cleanup CleanupReport
}

// Initiate replaces any session at the same key and any other session of the
// owner, clears unreferenced objects under the owner prefix and opens a new
// remote session.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	const op = "initiate"
	if err := checkOwner(op, req.Owner); err != nil {
		return nil, err
	}
	switch {
	case req.Filename == "":
		return nil, uploaderr.NewValidation(op, "missing value: name", nil)
	case req.Size < 0:
		return nil, uploaderr.NewValidation(op, "size must not be negative", nil)
	}
	key := objectkey.Path(req.Owner, req.Filename)
	logger := e.log(ctx).With("owner", req.Owner, "key", key)

	existing, err := e.ledger.SessionByKey(ctx, key)
	switch {
	case err == nil:
		if err := e.teardown(ctx, *existing, "replaced"); err != nil {
			return nil, uploaderr.NewValidation(op, "could not discard existing upload", err).WithKey(key).WithSession(existing.ID)
		}
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, uploaderr.NewRemote(op, "ledger lookup failed", err).WithKey(key)
	}

	stale, err := e.ledger.SessionsByOwner(ctx, req.Owner)
	if err != nil {
		return nil, uploaderr.NewRemote(op, "ledger lookup failed", err).WithKey(key)
	}
	for _, sess := range stale {
		if err := e.teardown(ctx, sess, "replaced"); err != nil {
			return nil, uploaderr.NewValidation(op, "could not discard stale upload", err).WithKey(sess.Key).WithSession(sess.ID)
		}
	}

	report := e.cleanupPrefix(ctx, req.Owner)
	if len(report.Errors) > 0 {
		logger.Warn("multipart.initiate.cleanup_incomplete", "deleted", len(report.Deleted), "skipped", len(report.Skipped), "errors", len(report.Errors), "error", errors.Join(report.Errors...))
	}

	opts := storage.InitiateOptions{}
	if e.guessMimetype {
		opts.ContentType = mime.TypeByExtension(path.Ext(key))
	}
	id, err := e.driver.InitiateMultipart(ctx, key, opts)
	if err != nil {
		return nil, uploaderr.NewRemote(op, "remote initiate failed", err).WithKey(key)
	}
	sess := ledger.Session{
		ID:           id,
		OwnerID:      req.Owner,
		Key:          key,
		Size:         req.Size,
		OriginalName: req.Filename,
		Initiated:    e.clock.Now().UTC(),
		UserID:       req.UserID,
	}
	if err := e.ledger.CreateSession(ctx, sess); err != nil {
		if abortErr := e.driver.AbortMultipart(ctx, key, id); abortErr != nil && !storage.IsNotFound(abortErr) {
			logger.Error("multipart.initiate.orphaned_session", "upload_id", id, "error", abortErr)
		}
		if errors.Is(err, ledger.ErrConflict) {
			return nil, uploaderr.NewConflict(op, "session id already recorded", err).WithKey(key).WithSession(id)
		}
		return nil, uploaderr.NewRemote(op, "ledger create failed", err).WithKey(key).WithSession(id)
	}
	e.metrics.session(ctx, "initiated")
	logger.Info("multipart.initiate.success", "upload_id", id, "size", req.Size)
	return &InitiateResult{Upload: uploadFrom(sess), Cleanup: report}, nil
}

// cleanupPrefix deletes objects under the owner's prefix that no other
// resource references. Failures are collected, never raised.
func (e *Engine) cleanupPrefix(ctx context.Context, owner string) CleanupReport {
	var (
		report CleanupReport
		keys   []string
	)
	err := e.driver.ListObjects(ctx, objectkey.Prefix(owner), func(info storage.ObjectInfo) error {
		keys = append(keys, info.Key)
		return nil
	})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("list %s: %w", objectkey.Prefix(owner), err))
	}
	for _, key := range keys {
		if e.model != nil {
			referenced, err := e.model.ObjectReferenced(ctx, key, owner)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("reference check %s: %w", key, err))
				referenced = true
			}
			if referenced {
				report.Skipped = append(report.Skipped, key)
				continue
			}
		}
		if err := e.driver.DeleteObject(ctx, key); err != nil && !storage.IsNotFound(err) {
			report.Errors = append(report.Errors, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		e.log(ctx).Info("multipart.initiate.removed_object", "key", key)
		report.Deleted = append(report.Deleted, key)
	}
	return report
}

// teardown aborts the remote session and deletes the ledger row. Absence on
// either side counts as done.
func (e *Engine) teardown(ctx context.Context, sess ledger.Session, reason string) error {
	err := e.driver.AbortMultipart(ctx, sess.Key, sess.ID)
	if err != nil && !storage.IsNotFound(err) {
		e.metrics.tornDown(ctx, reason, err)
		return fmt.Errorf("abort %s: %w", sess.ID, err)
	}
	if err := e.ledger.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		e.metrics.tornDown(ctx, reason, err)
		return fmt.Errorf("forget %s: %w", sess.ID, err)
	}
	e.metrics.tornDown(ctx, reason, nil)
	e.log(ctx).Debug("multipart.teardown", "upload_id", sess.ID, "key", sess.Key, "reason", reason)
	return nil
}

// PartResult is the result of UploadPart.
type PartResult struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"ETag"`
}

// UploadPart sends one chunk and records its etag. Re-sending a part number
// replaces the earlier etag.
func (e *Engine) UploadPart(ctx context.Context, sessionID string, partNumber int, body io.Reader, size int64) (*PartResult, error) {
	const op = "upload_part"
	switch {
	case sessionID == "":
		return nil, uploaderr.NewValidation(op, "missing value: uploadId", nil)
	case partNumber < 1 || partNumber > MaxPartNumber:
		return nil, uploaderr.NewValidation(op, fmt.Sprintf("part number must be between 1 and %d", MaxPartNumber), nil).WithPart(partNumber)
	case body == nil:
		return nil, uploaderr.NewValidation(op, "missing value: upload", nil).WithPart(partNumber)
	}
	sess, err := e.ledger.Session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, uploaderr.NewNotFound(op, "upload not found", err).WithSession(sessionID).WithPart(partNumber)
		}
		return nil, uploaderr.NewRemote(op, "ledger lookup failed", err).WithSession(sessionID)
	}
	etag, err := e.driver.PutPart(ctx, sess.Key, sessionID, partNumber, body, size)
	if err != nil {
		e.metrics.part(ctx, "error", size)
		if storage.IsNotFound(err) {
			return nil, uploaderr.NewNotFound(op, "upload not found", err).WithKey(sess.Key).WithSession(sessionID).WithPart(partNumber)
		}
		return nil, uploaderr.NewValidation(op, fmt.Sprintf("upload failed: part %d", partNumber), err).WithKey(sess.Key).WithSession(sessionID).WithPart(partNumber)
	}
	if err := e.ledger.UpsertPart(ctx, sessionID, partNumber, etag); err != nil {
		e.metrics.part(ctx, "diverged", size)
		e.log(ctx).Error("multipart.upload_part.ledger_divergence",
			"upload_id", sessionID, "key", sess.Key, "part", partNumber, "etag", etag, "error", err)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, uploaderr.NewNotFound(op, "upload not found", err).WithKey(sess.Key).WithSession(sessionID).WithPart(partNumber)
		}
		return nil, uploaderr.NewRemote(op, "part accepted remotely but not recorded", err).WithKey(sess.Key).WithSession(sessionID).WithPart(partNumber)
	}
	e.metrics.part(ctx, "ok", size)
	e.log(ctx).Debug("multipart.upload_part.success", "upload_id", sessionID, "part", partNumber, "size", size)
	return &PartResult{PartNumber: partNumber, ETag: etag}, nil
}

// FinishRequest completes a session.
type FinishRequest struct {
	SessionID string
	// Owner identifies the resource to promote; defaults to the session owner.
	Owner      string
	SaveAction string
}

// Promotion reports the best-effort draft to active promotion.
type Promotion struct {
	Attempted bool
	Promoted  bool
	Err       error
}

// FinishResult is the result of Finish.
type FinishResult struct {
	Commited  bool      `json:"commited"`
	Key       string    `json:"-"`
	Parts     int       `json:"-"`
	Promotion Promotion `json:"-"`
}

// Finish assembles the recorded parts in part-number order into the target
// object and forgets the session.
func (e *Engine) Finish(ctx context.Context, req FinishRequest) (*FinishResult, error) {
	const op = "finish"
	if req.SessionID == "" {
		return nil, uploaderr.NewValidation(op, "missing value: uploadId", nil)
	}
	if req.Owner != "" {
		if err := checkOwner(op, req.Owner); err != nil {
			return nil, err
		}
	}
	sess, err := e.ledger.Session(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, uploaderr.NewNotFound(op, "upload not found", err).WithSession(req.SessionID)
		}
		return nil, uploaderr.NewRemote(op, "ledger lookup failed", err).WithSession(req.SessionID)
	}
	logger := e.log(ctx).With("upload_id", sess.ID, "key", sess.Key)
	recorded, err := e.ledger.Parts(ctx, sess.ID)
	if err != nil {
		return nil, uploaderr.NewRemote(op, "ledger parts lookup failed", err).WithKey(sess.Key).WithSession(sess.ID)
	}
	parts := make([]storage.Part, 0, len(recorded))
	for _, p := range recorded {
		parts = append(parts, storage.Part{Number: p.Number, ETag: p.ETag})
	}

	if !storage.OverwritesOnCommit(e.driver) {
		if err := e.driver.DeleteObject(ctx, sess.Key); err != nil && !storage.IsNotFound(err) {
			return nil, uploaderr.NewRemote(op, "could not remove previous object", err).WithKey(sess.Key).WithSession(sess.ID)
		}
	}
	if err := e.driver.CommitMultipart(ctx, sess.Key, sess.ID, parts); err != nil {
		if storage.IsNotFound(err) {
			return nil, uploaderr.NewNotFound(op, "upload not found", err).WithKey(sess.Key).WithSession(sess.ID)
		}
		return nil, uploaderr.NewRemote(op, "commit failed", err).WithKey(sess.Key).WithSession(sess.ID)
	}
	if err := e.ledger.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		logger.Error("multipart.finish.ledger_divergence", "error", err)
		return nil, uploaderr.NewRemote(op, "object committed but session not cleared", err).WithKey(sess.Key).WithSession(sess.ID)
	}
	e.metrics.session(ctx, "committed")
	logger.Info("multipart.finish.success", "parts", len(parts))

	result := &FinishResult{Commited: true, Key: sess.Key, Parts: len(parts)}
	if req.SaveAction == "" || req.SaveAction == SaveActionGoMetadata {
		owner := req.Owner
		if owner == "" {
			owner = sess.OwnerID
		}
		result.Promotion = e.promote(ctx, owner)
		if result.Promotion.Err != nil {
			logger.Warn("multipart.finish.promotion_failed", "owner", owner, "error", result.Promotion.Err)
		}
	}
	return result, nil
}

// promote activates the owning package when it is still a draft.
func (e *Engine) promote(ctx context.Context, owner string) Promotion {
	if e.model == nil {
		return Promotion{}
	}
	p := Promotion{Attempted: true}
	res, err := e.model.Resource(ctx, owner)
	if err != nil {
		p.Err = fmt.Errorf("resource %s: %w", owner, err)
		return p
	}
	pkg, err := e.model.Package(ctx, res.PackageID)
	if err != nil {
		p.Err = fmt.Errorf("package %s: %w", res.PackageID, err)
		return p
	}
	if pkg.State != resources.StateDraft {
		return p
	}
	if err := e.model.ActivatePackage(ctx, pkg.ID); err != nil {
		p.Err = fmt.Errorf("activate %s: %w", pkg.ID, err)
		return p
	}
	p.Promoted = true
	e.log(ctx).Info("multipart.finish.package_activated", "package", pkg.ID)
	return p
}

// Abort tears down every session of owner, stopping at the first failure.
// The ids torn down before the failure are returned with the error.
func (e *Engine) Abort(ctx context.Context, owner string) ([]string, error) {
	const op = "abort"
	if err := checkOwner(op, owner); err != nil {
		return nil, err
	}
	sessions, err := e.ledger.SessionsByOwner(ctx, owner)
	if err != nil {
		return nil, uploaderr.NewRemote(op, "ledger lookup failed", err)
	}
	aborted := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		if err := e.teardown(ctx, sess, "aborted"); err != nil {
			return aborted, uploaderr.NewValidation(op, "abort failed", err).WithKey(sess.Key).WithSession(sess.ID)
		}
		aborted = append(aborted, sess.ID)
	}
	e.log(ctx).Info("multipart.abort.success", "owner", owner, "aborted", len(aborted))
	return aborted, nil
}

// CleanResult summarises a CleanExpired run.
type CleanResult struct {
	Removed int      `json:"removed"`
	Total   int      `json:"total"`
	Errors  []string `json:"errors"`
}

// CleanExpired tears down sessions older than the configured lifetime. A
// failing session is recorded in the result and does not stop the batch.
func (e *Engine) CleanExpired(ctx context.Context) (CleanResult, error) {
	result := CleanResult{Errors: []string{}}
	cutoff := e.clock.Now().Add(-e.maxLifetime)
	expired, err := e.ledger.SessionsInitiatedBefore(ctx, cutoff)
	if err != nil {
		return result, uploaderr.NewRemote("clean", "ledger lookup failed", err)
	}
	result.Total = len(expired)
	for _, sess := range expired {
		if err := ctx.Err(); err != nil {
			return result, uploaderr.NewRemote("clean", "interrupted", err)
		}
		if err := e.teardown(ctx, sess, "expired"); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Removed++
	}
	e.log(ctx).Info("multipart.clean.done", "cutoff", cutoff, "removed", result.Removed, "total", result.Total, "errors", len(result.Errors))
	return result, nil
}
