package cloudstorage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/actions"
	"pkt.systems/cloudstorage/internal/ckan"
	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/httpapi"
	"pkt.systems/cloudstorage/internal/ledger"
	"pkt.systems/cloudstorage/internal/multipart"
	"pkt.systems/cloudstorage/internal/resources"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/cloudstorage/internal/svcfields"
	"pkt.systems/cloudstorage/internal/transfer"
)

// ErrCORSUnsupported is returned by FixCORS when the store cannot manage
// CORS rules.
var ErrCORSUnsupported = errors.New("cloudstorage: store does not support cors configuration")

// Service wires the object store, session ledger, resource model and HTTP
// API together.
type Service struct {
	cfg         Config
	logger      pslog.Logger
	clock       clock.Clock
	driver      storage.Driver
	ledger      *ledger.Store
	model       resources.Model
	engine      *multipart.Engine
	transfer    *transfer.Manager
	actions     *actions.Dispatcher
	handler     http.Handler
	credentials CredentialSummary
}

// Option customises New.
type Option func(*serviceOptions)

type serviceOptions struct {
	clock  clock.Clock
	model  resources.Model
	driver storage.Driver
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *serviceOptions) { o.clock = clk }
}

// WithModel replaces the resource model selected by the config.
func WithModel(model resources.Model) Option {
	return func(o *serviceOptions) { o.model = model }
}

// WithDriver replaces the store selected by cfg.Store. The driver is used
// as is, without decorators.
func WithDriver(driver storage.Driver) Option {
	return func(o *serviceOptions) { o.driver = driver }
}

// New validates cfg and builds a Service.
func New(ctx context.Context, cfg Config, logger pslog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	s := &Service{cfg: cfg, logger: logger, clock: o.clock}

	driver := o.driver
	if driver == nil {
		var err error
		driver, s.credentials, err = openDriver(ctx, cfg, svcfields.WithSubsystem(logger, "storage"), o.clock)
		if err != nil {
			return nil, err
		}
	} else if d, ok := driver.(storage.Describer); ok {
		s.credentials = CredentialSummary{Provider: d.Provider(), Container: d.Container(), Source: "injected"}
	}
	s.driver = driver

	led, err := ledger.Open(ctx, cfg.LedgerDSN, svcfields.WithSubsystem(logger, "ledger"))
	if err != nil {
		_ = driver.Close()
		return nil, err
	}
	s.ledger = led

	s.model = o.model
	if s.model == nil {
		s.model, err = newModel(cfg, logger)
		if err != nil {
			s.closeAll()
			return nil, err
		}
	}

	s.engine, err = multipart.New(multipart.Config{
		Driver:        driver,
		Ledger:        led,
		Model:         s.model,
		Clock:         o.clock,
		Logger:        svcfields.WithSubsystem(logger, "multipart"),
		MaxLifetime:   cfg.MaxMultipartLifetime,
		GuessMimetype: cfg.GuessMimetype,
	})
	if err != nil {
		s.closeAll()
		return nil, err
	}
	s.transfer, err = transfer.New(transfer.Config{
		Driver:          driver,
		Logger:          svcfields.WithSubsystem(logger, "transfer"),
		UseSecureURLs:   cfg.UseSecureURLs,
		LeaveFiles:      cfg.LeaveFiles,
		GuessMimetype:   cfg.GuessMimetype,
		SignedURLExpiry: cfg.SignedURLExpiry,
	})
	if err != nil {
		s.closeAll()
		return nil, err
	}
	s.actions = actions.NewDispatcher(s.engine, authorizer(cfg, logger), svcfields.WithSubsystem(logger, "actions"))

	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{
		Actions:        s.actions,
		Transfer:       s.transfer,
		Model:          s.model,
		Logger:         logger,
		Tracing:        strings.TrimSpace(cfg.OTLPEndpoint) != "",
		MaxPartSize:    cfg.MaxPartSize,
		SpoolThreshold: cfg.SpoolThreshold,
	}).Register(mux)
	s.handler = mux

	logger.Info("service.init.success",
		"store", s.credentials.Provider,
		"container", s.credentials.Container,
		"credentials", s.credentials.Source,
		"secure_urls", cfg.UseSecureURLs,
		"ckan", cfg.CKANURL != "",
		"dev_mode", cfg.DevMode(),
	)
	return s, nil
}

func newModel(cfg Config, logger pslog.Logger) (resources.Model, error) {
	if cfg.CKANURL == "" {
		logger.Warn("service.model.in_memory", "reason", "no ckan url configured")
		return resources.NewMemory(), nil
	}
	client, err := ckan.New(ckan.Config{
		BaseURL:  cfg.CKANURL,
		APIToken: cfg.CKANAPIToken,
		Logger:   svcfields.WithSubsystem(logger, "ckan"),
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func authorizer(cfg Config, logger pslog.Logger) actions.Authorizer {
	if cfg.DevMode() {
		logger.Warn("service.auth.disabled", "reason", "no api tokens configured")
		return actions.AllowAll
	}
	tokens := make([]actions.Token, 0, len(cfg.APITokens)+len(cfg.AdminTokens))
	for _, raw := range cfg.APITokens {
		value, user := splitToken(raw)
		tokens = append(tokens, actions.Token{Value: value, UserID: user})
	}
	for _, raw := range cfg.AdminTokens {
		value, user := splitToken(raw)
		tokens = append(tokens, actions.Token{Value: value, UserID: user, Admin: true})
	}
	return actions.NewTokenAuthorizer(tokens...)
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler { return s.handler }

// Credentials reports which store and credentials the service selected.
func (s *Service) Credentials() CredentialSummary { return s.credentials }

// Serve listens on cfg.Listen until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves the HTTP API on ln, starts telemetry and shuts both
// down gracefully when ctx is cancelled.
func (s *Service) ServeListener(ctx context.Context, ln net.Listener) error {
	tel, err := startTelemetry(ctx, s.cfg, svcfields.WithSubsystem(s.logger, "telemetry"))
	if err != nil {
		_ = ln.Close()
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return pslog.ContextWithLogger(context.Background(), s.logger)
		},
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("service.listen", "addr", ln.Addr().String())

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("service.shutdown.begin", "timeout", s.cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		serveErr = srv.Shutdown(shutdownCtx)
		<-errCh
	}
	telErr := tel.Shutdown(context.Background())
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, telErr)
}

// CleanMultipart aborts every session older than the configured lifetime.
func (s *Service) CleanMultipart(ctx context.Context) (multipart.CleanResult, error) {
	return s.engine.CleanExpired(ctx)
}

// InitDB drops and recreates the ledger tables.
func (s *Service) InitDB(ctx context.Context) error {
	return s.ledger.Reset(ctx)
}

// SignURL returns the download URL of filename under a resource, signed
// when secure URLs are enabled. ok is false when the object is absent.
func (s *Service) SignURL(ctx context.Context, resourceID, filename, contentType string) (string, bool, error) {
	return s.transfer.URL(ctx, resourceID, filename, contentType)
}

// Purge removes every object stored for a resource and returns the keys.
func (s *Service) Purge(ctx context.Context, resourceID, filename string) ([]string, error) {
	return s.transfer.PurgeResource(ctx, resourceID, filename)
}

// UploadFile stores the local file at p as filename under a resource in a
// single request. filename defaults to the base name of p. Content already
// stored under the same key is left alone and reported as skipped.
func (s *Service) UploadFile(ctx context.Context, resourceID, filename, p string) (*transfer.Result, error) {
	if filename == "" {
		filename = filepath.Base(p)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.transfer.Upload(ctx, resourceID, filename, f)
}

// ClearResource deletes the object stored for a resource's previous
// upload once the resource no longer points at it, typically because the
// file was replaced by a link. Absent objects are not an error and
// nothing is deleted with leave_files.
func (s *Service) ClearResource(ctx context.Context, resourceID, oldFilename string) error {
	if oldFilename == "" {
		return fmt.Errorf("clear resource %s: missing filename", resourceID)
	}
	if err := s.transfer.DeleteIfExists(ctx, resourceID, oldFilename); err != nil {
		return err
	}
	svcfields.WithResource(s.logger, resourceID, oldFilename).Info("service.resource.cleared")
	return nil
}

// FixCORS applies origins, or cfg.CORSOrigins when none are given, to the
// store container.
func (s *Service) FixCORS(ctx context.Context, origins []string) error {
	if len(origins) == 0 {
		origins = s.cfg.CORSOrigins
	}
	if len(origins) == 0 {
		return errors.New("cloudstorage: no cors origins given")
	}
	cfg, ok := s.driver.(storage.CORSConfigurer)
	if !ok {
		return ErrCORSUnsupported
	}
	if err := cfg.SetCORS(ctx, origins); err != nil {
		if errors.Is(err, storage.ErrNotImplemented) {
			return ErrCORSUnsupported
		}
		return err
	}
	s.logger.Info("service.cors.updated", "origins", strings.Join(origins, ","))
	return nil
}

// MigrateReport lists what Migrate did per resource id.
type MigrateReport struct {
	Uploaded []string
	Skipped  []string
	Failed   map[string]error
}

// Migrate walks a local CKAN filestore laid out as
// <dir>/<id[0:3]>/<id[3:6]>/<id[6:]> and uploads every upload-type resource
// into the object store. When resourceID is non-empty only that resource is
// migrated. Failures are collected per resource.
func (s *Service) Migrate(ctx context.Context, dir, resourceID string) (*MigrateReport, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrate: %s is not a directory", dir)
	}
	report := &MigrateReport{Failed: map[string]error{}}
	logger := svcfields.WithSubsystem(s.logger, "migrate")
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		id, ok := filestoreID(dir, p)
		if !ok {
			logger.Debug("migrate.skip.layout", "path", p)
			return nil
		}
		if resourceID != "" && id != resourceID {
			return nil
		}
		resLogger := svcfields.WithResource(logger, id, "")
		skipped, err := s.migrateFile(ctx, id, p)
		switch {
		case err != nil:
			report.Failed[id] = err
			resLogger.Warn("migrate.resource.failure", "error", err)
		case skipped:
			report.Skipped = append(report.Skipped, id)
			resLogger.Debug("migrate.resource.skipped")
		default:
			report.Uploaded = append(report.Uploaded, id)
			resLogger.Info("migrate.resource.success")
		}
		return nil
	})
	sort.Strings(report.Uploaded)
	sort.Strings(report.Skipped)
	if err != nil {
		return report, fmt.Errorf("migrate: %w", err)
	}
	return report, nil
}

func (s *Service) migrateFile(ctx context.Context, id, p string) (bool, error) {
	res, err := s.model.Resource(ctx, id)
	if err != nil {
		return false, err
	}
	if !res.IsUpload() {
		return true, nil
	}
	filename := path.Base(strings.TrimRight(res.URL, "/"))
	if filename == "" || filename == "." || filename == "/" {
		return false, fmt.Errorf("resource %s has no filename in url %q", id, res.URL)
	}
	result, err := s.UploadFile(ctx, id, filename, p)
	if err != nil {
		return false, err
	}
	return result.Skipped, nil
}

// filestoreID rebuilds a resource id from its filestore path: the two
// directories above the file plus the file name.
func filestoreID(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return "", false
	}
	n := len(parts)
	return parts[n-3] + parts[n-2] + parts[n-1], true
}

// Close releases the ledger and the store.
func (s *Service) Close() error {
	return s.closeAll()
}

func (s *Service) closeAll() error {
	var errs []error
	if s.ledger != nil {
		errs = append(errs, s.ledger.Close())
	}
	if s.driver != nil {
		errs = append(errs, s.driver.Close())
	}
	return errors.Join(errs...)
}
